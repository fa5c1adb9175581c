package errors

import (
	"context"
	sterrors "errors"
)

// Category groups errors for metric labels.
type Category string

const (
	CategoryNone       Category = "none"
	CategoryValidation Category = "validation"
	CategoryTransport  Category = "transport"
	CategoryDownstream Category = "downstream"
	CategoryBusiness   Category = "business"
	CategoryOther      Category = "other"
)

// Classifier maps an error to a Category.
type Classifier func(error) Category

// Classify is the default Classifier.
func Classify(err error) Category {
	if err == nil {
		return CategoryNone
	}

	var (
		transportErr *TransportError
		routingErr   *DistributorRoutingError
		faultErr     *HandlerFault
		notFoundErr  *HandlerNotFoundError
		timeoutErr   *TimeoutError
	)
	switch {
	case sterrors.As(err, &faultErr):
		return CategoryBusiness
	case sterrors.As(err, &transportErr), sterrors.As(err, &routingErr):
		return CategoryTransport
	case sterrors.As(err, &notFoundErr),
		sterrors.Is(err, ErrTypeTagRequired),
		sterrors.Is(err, ErrPayloadRequired),
		sterrors.Is(err, ErrUnknownCodec):
		return CategoryValidation
	case sterrors.As(err, &timeoutErr),
		sterrors.Is(err, context.DeadlineExceeded):
		return CategoryDownstream
	}
	return CategoryOther
}
