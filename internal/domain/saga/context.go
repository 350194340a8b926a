package saga

import (
	"fmt"
	"strings"
	"time"

	"tripsaga/internal/domain/shared/daterange"
)

// User identifies who started the saga. Credentials never reach the orchestrator.
type User struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
}

// FillForm is the travel form produced by the chat step.
type FillForm struct {
	TripDeparture              string  `json:"tripDeparture"`
	TripDestination            string  `json:"tripDestination"`
	DateTimeRoundTripDeparture string  `json:"dateTimeRoundTripDeparture"`
	DateTimeRoundTripReturn    string  `json:"dateTimeRoundTripReturn"`
	DurationOfStayInDays       int     `json:"durationOfStayInDays"`
	TravelMode                 string  `json:"travelMode"`
	Budget                     float64 `json:"budget"`
	People                     int     `json:"people"`
	StarsOfHotel               int     `json:"starsOfHotel"`
	Luggages                   int     `json:"luggages"`
}

// BookingContext is the immutable seed of a saga.
type BookingContext struct {
	User     User     `json:"user"`
	FillForm FillForm `json:"fillForm"`
}

func (c BookingContext) Validate() error {
	f := c.FillForm
	if strings.TrimSpace(f.TripDeparture) == "" {
		return ErrDepartureRequired
	}
	if strings.TrimSpace(f.TripDestination) == "" {
		return ErrDestinationRequired
	}
	if f.People <= 0 {
		return ErrInvalidPeople
	}
	if f.Budget < 0 || f.DurationOfStayInDays < 0 || f.Luggages < 0 || f.StarsOfHotel < 0 {
		return ErrInvalidForm
	}
	if _, ok, err := f.Trip(); ok && err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDates, err)
	}
	return nil
}

// Trip parses the round-trip dates. ok is false when the form leaves either date empty.
func (f FillForm) Trip() (trip daterange.Trip, ok bool, err error) {
	dep := strings.TrimSpace(f.DateTimeRoundTripDeparture)
	ret := strings.TrimSpace(f.DateTimeRoundTripReturn)
	if dep == "" || ret == "" {
		return daterange.Trip{}, false, nil
	}
	trip, err = daterange.Parse(dep, ret)
	return trip, true, err
}

// Option is one search result offered to the user.
type Option struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Reference string         `json:"reference"`
	Price     float64        `json:"price"`
	Details   map[string]any `json:"details,omitempty"`
}

// BookingEntry is a confirmed reservation produced by a collaborator. Never mutated.
type BookingEntry struct {
	ID                         string    `json:"id"`
	Type                       string    `json:"type"`
	Reference                  string    `json:"reference"`
	Price                      float64   `json:"price"`
	People                     int       `json:"people"`
	TripDeparture              string    `json:"tripDeparture,omitempty"`
	TripDestination            string    `json:"tripDestination,omitempty"`
	DateTimeRoundTripDeparture string    `json:"dateTimeRoundTripDeparture,omitempty"`
	DateTimeRoundTripReturn    string    `json:"dateTimeRoundTripReturn,omitempty"`
	BookedAt                   time.Time `json:"bookedAt"`
}

func (e BookingEntry) valid() bool {
	return e.ID != "" && e.Price >= 0
}

// SagaContext is the working state filled in as the saga advances.
type SagaContext struct {
	TransportOptions     []Option      `json:"transportOptions,omitempty"`
	SelectedTransportID  string        `json:"selectedTransportId,omitempty"`
	BookedTransportEntry *BookingEntry `json:"bookedTransportEntry,omitempty"`
	HotelOptions         []Option      `json:"hotelOptions,omitempty"`
	SelectedHotelID      string        `json:"selectedHotelId,omitempty"`
	BookedHotelEntry     *BookingEntry `json:"bookedHotelEntry,omitempty"`
	TotalPrice           float64       `json:"totalPrice,omitempty"`
	Currency             string        `json:"currency,omitempty"`
	PaymentType          string        `json:"paymentType,omitempty"`
	PaymentReference     string        `json:"paymentReference,omitempty"`
	InvoiceURL           string        `json:"invoiceUrl,omitempty"`
}

func findOption(options []Option, id string) (Option, bool) {
	for _, opt := range options {
		if opt.ID == id {
			return opt, true
		}
	}
	return Option{}, false
}

// DispatchKind names a command that was sent to a collaborator and awaits an outcome.
type DispatchKind string

const (
	DispatchTransportSearch DispatchKind = "transport.search"
	DispatchTransportBook   DispatchKind = "transport.book"
	DispatchHotelSearch     DispatchKind = "hotel.search"
	DispatchHotelBook       DispatchKind = "hotel.book"
	DispatchPayment         DispatchKind = "payment"
)

// PendingDispatch is the outcome-pending marker of the last command sent for the saga.
type PendingDispatch struct {
	Kind         DispatchKind `json:"kind"`
	MessageID    string       `json:"messageId"`
	DispatchedAt time.Time    `json:"dispatchedAt"`
}
