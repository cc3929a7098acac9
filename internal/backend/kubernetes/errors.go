package kubernetes

import (
	"context"
	"errors"

	apierrors "k8s.io/apimachinery/pkg/api/errors"

	"github.com/seantiz/stevedore/internal/model"
)

// classify wraps a client-go error in a model.BackendError.
func classify(op, resource string, err error) error {
	if err == nil {
		return nil
	}
	return model.NewBackendError(errorClass(err), op, resource, err)
}

func errorClass(err error) model.ErrorClass {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return model.ClassPermanent
	}

	var status apierrors.APIStatus
	if !errors.As(err, &status) {
		return model.ClassTransient
	}

	switch {
	case apierrors.IsNotFound(err):
		return model.ClassNotFound
	case apierrors.IsTooManyRequests(err):
		return model.ClassThrottled
	case apierrors.IsServerTimeout(err), apierrors.IsTimeout(err),
		apierrors.IsInternalError(err), apierrors.IsServiceUnavailable(err),
		apierrors.IsUnexpectedServerError(err):
		return model.ClassTransient
	default:
		return model.ClassPermanent
	}
}
