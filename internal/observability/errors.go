package observability

import (
	"errors"
	"fmt"
)

// AggregateErrors joins the non-nil errors of a multi-step operation, logs them once on logger
// and returns the joined error. It returns nil when every step succeeded.
func AggregateErrors(logger Logger, operation string, errs []error, fields ...Field) error {
	failed := make([]error, 0, len(errs))
	messages := make([]string, 0, len(errs))
	for _, err := range errs {
		if err != nil {
			failed = append(failed, err)
			messages = append(messages, err.Error())
		}
	}
	if len(failed) == 0 {
		return nil
	}
	logFields := append(fields,
		F("operation", operation),
		F("error_count", len(failed)),
		F("errors", messages))
	OrDefault(logger).Error("operation errors", logFields...)
	return fmt.Errorf("%s failed: %w", operation, errors.Join(failed...))
}
