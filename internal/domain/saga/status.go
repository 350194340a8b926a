package saga

// Status is the position of a saga in the booking state machine.
type Status string

const (
	StatusCreated              Status = "CREATED"
	StatusProducerDispatched   Status = "PRODUCER_DISPATCHED"
	StatusConsumerProcessing   Status = "CONSUMER_PROCESSING"
	StatusOptionsReturned      Status = "OPTIONS_RETURNED"
	StatusTransportConfirmed   Status = "TRANSPORT_CONFIRMED"
	StatusHotelDispatched      Status = "HOTEL_DISPATCHED"
	StatusHotelOptionsReturned Status = "HOTEL_OPTIONS_RETURNED"
	StatusHotelConfirmed       Status = "HOTEL_CONFIRMED"
	StatusPaymentRequested     Status = "PAYMENT_REQUESTED"
	StatusPaymentConfirmed     Status = "PAYMENT_CONFIRMED"
	StatusClosed               Status = "CLOSED"
	StatusFailed               Status = "FAILED"
	StatusCancelled            Status = "CANCELLED"
)

// Terminal reports whether no further transition may leave the status.
func (s Status) Terminal() bool {
	switch s {
	case StatusClosed, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusProducerDispatched, StatusConsumerProcessing, StatusOptionsReturned,
		StatusTransportConfirmed, StatusHotelDispatched, StatusHotelOptionsReturned, StatusHotelConfirmed,
		StatusPaymentRequested, StatusPaymentConfirmed, StatusClosed, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

func (s Status) String() string { return string(s) }
