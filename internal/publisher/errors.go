package publisher

import (
	"errors"
	"fmt"
)

// ErrDelivery marks a transient failure while sending a post. The post stays
// queued and is retried on the next cycle.
var ErrDelivery = errors.New("delivery failed")

// Delivery steps, also used as metric labels.
const (
	StepText       = "text"
	StepPhoto      = "photo"
	StepMediaGroup = "media_group"
	StepVideo      = "video"
	StepOpen       = "open"
)

type DeliveryError struct {
	PostID string
	Step   string
	Err    error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery failed: post %s: %s: %v", e.PostID, e.Step, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

func (e *DeliveryError) Is(target error) bool { return target == ErrDelivery }
