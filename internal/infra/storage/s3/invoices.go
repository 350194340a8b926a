package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	domain "tripsaga/internal/domain/saga"
)

// Invoice is the document stored for a paid saga.
type Invoice struct {
	SagaID      string               `json:"sagaId"`
	User        domain.User          `json:"user"`
	Transport   *domain.BookingEntry `json:"transport"`
	Hotel       *domain.BookingEntry `json:"hotel"`
	Total       float64              `json:"total"`
	Currency    string               `json:"currency"`
	PaymentType string               `json:"paymentType,omitempty"`
	IssuedAt    time.Time            `json:"issuedAt"`
}

// Invoicer uploads invoices when an Uploader is set; otherwise it only derives the URL
// from BaseURL.
type Invoicer struct {
	Uploader Uploader
	BaseURL  string
	Now      func() time.Time
}

func (i *Invoicer) Issue(ctx context.Context, s *domain.Saga) (string, error) {
	if i.Uploader == nil {
		return fmt.Sprintf("%s/invoices/%s.pdf", strings.TrimRight(i.BaseURL, "/"), s.ID), nil
	}
	now := time.Now
	if i.Now != nil {
		now = i.Now
	}
	doc := Invoice{
		SagaID:      string(s.ID),
		User:        s.Booking.User,
		Transport:   s.Context.BookedTransportEntry,
		Hotel:       s.Context.BookedHotelEntry,
		Total:       s.Context.TotalPrice,
		Currency:    s.Context.Currency,
		PaymentType: s.Context.PaymentType,
		IssuedAt:    now().UTC(),
	}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", err
	}
	key := fmt.Sprintf("invoices/%s.json", s.ID)
	return i.Uploader.Upload(ctx, key, bytes.NewReader(raw), int64(len(raw)), "application/json")
}
