package ecs

import (
	"context"
	"errors"
	"strings"

	"github.com/aws/smithy-go"

	"github.com/seantiz/stevedore/internal/model"
)

// classify wraps an AWS SDK error in a model.BackendError so callers can
// decide whether to retry.
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

	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		// Transport failures never reached the API.
		return model.ClassTransient
	}

	msg := strings.ToLower(apiErr.ErrorMessage())
	switch code := apiErr.ErrorCode(); code {
	case "ThrottlingException", "Throttling", "RequestLimitExceeded", "TooManyRequestsException":
		return model.ClassThrottled
	case "ServerException", "ServiceUnavailableException", "InternalFailure", "InternalError":
		return model.ClassTransient
	case "ResourceNotFoundException", "ClusterNotFoundException", "InvalidNetworkInterfaceID.NotFound":
		return model.ClassNotFound
	case "ClientException", "InvalidParameterException":
		if strings.Contains(msg, "unable to describe task definition") || strings.Contains(msg, "not found") {
			return model.ClassNotFound
		}
		return model.ClassPermanent
	default:
		if apiErr.ErrorFault() == smithy.FaultServer {
			return model.ClassTransient
		}
		return model.ClassPermanent
	}
}
