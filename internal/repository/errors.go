package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"convsync/internal/docstore"
)

// kindOf maps a DynamoDB failure onto a docstore error kind.
func kindOf(err error) error {
	var (
		ccf    *types.ConditionalCheckFailedException
		rnf    *types.ResourceNotFoundException
		txc    *types.TransactionConflictException
		apiErr smithy.APIError
	)
	switch {
	case errors.As(err, &ccf):
		return docstore.ErrFailedPrecondition
	case errors.As(err, &rnf):
		return docstore.ErrFailedPrecondition
	case errors.As(err, &txc):
		return docstore.ErrAborted
	case errors.As(err, &apiErr):
		switch apiErr.ErrorCode() {
		case "ValidationException", "SerializationException":
			return docstore.ErrInvalidArgument
		case "AccessDeniedException", "UnrecognizedClientException", "MissingAuthenticationTokenException":
			return docstore.ErrPermissionDenied
		}
	}
	return docstore.ErrUnavailable
}

// wrapErr decorates err with the operation name and its docstore kind.
// Context errors pass through unchanged so callers can tell cancellation
// apart.
func wrapErr(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("repository: %s: %w", op, err)
	}
	return fmt.Errorf("repository: %s: %w: %w", op, kindOf(err), err)
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}
