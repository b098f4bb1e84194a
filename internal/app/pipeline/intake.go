package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/tutu-network/ziggurat/internal/domain"
)

// maxInputBytes bounds the encoded input payload of one task.
const maxInputBytes = 256 * 1024

var taskValidate = validator.New()

func init() {
	_ = taskValidate.RegisterValidation("maxinput", validateMaxInput)
}

// validateMaxInput rejects input payloads whose JSON encoding is too large
// to hand to an explainer.
func validateMaxInput(fl validator.FieldLevel) bool {
	b, err := json.Marshal(fl.Field().Interface())
	return err == nil && len(b) <= maxInputBytes
}

// Enqueuer stores discovered tasks. Implemented by *sqlite.DB.
type Enqueuer interface {
	EnqueueTask(ctx context.Context, task domain.Task) (bool, error)
}

// Intake validates tasks from any source and adds them to the queue.
type Intake struct {
	store Enqueuer
	now   func() time.Time
}

// NewIntake creates an intake over the queue.
func NewIntake(store Enqueuer) *Intake {
	return &Intake{store: store, now: time.Now}
}

// Submit normalizes and validates a task, then enqueues it. A task without
// an ID gets a fresh one. The returned task is what was stored; added is
// false when the ID was already queued.
func (in *Intake) Submit(ctx context.Context, task domain.Task) (stored domain.Task, added bool, err error) {
	task = Normalize(task, in.now())
	if err := ValidateTask(task); err != nil {
		return task, false, err
	}
	added, err = in.store.EnqueueTask(ctx, task)
	if err != nil {
		return task, false, fmt.Errorf("enqueue %s: %w", task.ID, err)
	}
	return task, added, nil
}

// Normalize assigns a missing ID and discovery time and canonicalizes the
// tier and currency case.
func Normalize(task domain.Task, now time.Time) domain.Task {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	task.RequestedCurrency = strings.ToUpper(strings.TrimSpace(task.RequestedCurrency))
	task.ComplexityTier = domain.ComplexityTier(strings.ToLower(string(task.ComplexityTier)))
	if task.DiscoveredAt.IsZero() {
		task.DiscoveredAt = now
	}
	return task
}

// ValidateTask checks a task against its struct tags.
func ValidateTask(task domain.Task) error {
	err := taskValidate.Struct(task)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fmt.Sprintf("%s failed %q", fe.Field(), fe.Tag()))
		}
		return fmt.Errorf("%w: %s", domain.ErrInvalidTask, strings.Join(fields, ", "))
	}
	return fmt.Errorf("%w: %v", domain.ErrInvalidTask, err)
}
