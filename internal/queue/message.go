package queue

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"basegraph.co/backfill/internal/model"
)

// Message asks a worker to run one tick of a subscription's backfill.
type Message struct {
	ID             string
	SubscriptionID int64
	TargetTasks    []model.TaskType
	Attempt        int
	TraceID        string
	Raw            redis.XMessage
}

// BackfillMessage is what producers enqueue.
type BackfillMessage struct {
	SubscriptionID int64
	TargetTasks    []model.TaskType
	TraceID        string
	Attempt        int
}

// Next is the message that continues the same backfill.
func (m Message) Next() BackfillMessage {
	return BackfillMessage{
		SubscriptionID: m.SubscriptionID,
		TargetTasks:    m.TargetTasks,
		TraceID:        m.TraceID,
	}
}

func ParseMessage(msg redis.XMessage) (Message, error) {
	return parseValues(msg.ID, msg.Values, msg)
}

func parseValues(id string, values map[string]any, raw redis.XMessage) (Message, error) {
	subscriptionID, err := parseInt64(values, "subscription_id")
	if err != nil {
		return Message{}, err
	}

	attempt, err := parseOptionalInt(values, "attempt")
	if err != nil {
		return Message{}, err
	}
	if attempt == 0 {
		attempt = 1
	}

	traceID, err := parseOptionalString(values, "trace_id")
	if err != nil {
		return Message{}, err
	}

	rawTasks, err := parseOptionalString(values, "target_tasks")
	if err != nil {
		return Message{}, err
	}
	var targetTasks []model.TaskType
	if rawTasks != "" {
		targetTasks, err = model.ParseTaskTypes(strings.Split(rawTasks, ","))
		if err != nil {
			return Message{}, fmt.Errorf("parsing target_tasks: %w", err)
		}
	}

	return Message{
		ID:             id,
		SubscriptionID: subscriptionID,
		TargetTasks:    targetTasks,
		Attempt:        attempt,
		TraceID:        traceID,
		Raw:            raw,
	}, nil
}

func parseInt64(values map[string]any, key string) (int64, error) {
	raw, ok := values[key]
	if !ok {
		return 0, fmt.Errorf("missing %s", key)
	}
	num, err := strconv.ParseInt(fmt.Sprint(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", key, err)
	}
	return num, nil
}

func parseOptionalInt(values map[string]any, key string) (int, error) {
	raw, ok := values[key]
	if !ok {
		return 0, nil
	}
	num, err := strconv.Atoi(fmt.Sprint(raw))
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", key, err)
	}
	return num, nil
}

func parseOptionalString(values map[string]any, key string) (string, error) {
	raw, ok := values[key]
	if !ok {
		return "", nil
	}
	return fmt.Sprint(raw), nil
}

func backfillValues(msg BackfillMessage) map[string]any {
	attempt := msg.Attempt
	if attempt <= 0 {
		attempt = 1
	}

	values := map[string]any{
		"subscription_id": msg.SubscriptionID,
		"attempt":         attempt,
	}
	if len(msg.TargetTasks) > 0 {
		tasks := make([]string, len(msg.TargetTasks))
		for i, t := range msg.TargetTasks {
			tasks[i] = string(t)
		}
		values["target_tasks"] = strings.Join(tasks, ",")
	}
	if msg.TraceID != "" {
		values["trace_id"] = msg.TraceID
	}
	return values
}

func messageValues(msg Message, attempt int) map[string]any {
	return backfillValues(BackfillMessage{
		SubscriptionID: msg.SubscriptionID,
		TargetTasks:    msg.TargetTasks,
		TraceID:        msg.TraceID,
		Attempt:        attempt,
	})
}
