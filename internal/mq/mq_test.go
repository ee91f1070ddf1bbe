package mq

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

// wire имитирует сообщение, пришедшее из очереди: Payload — map[string]any.
func wire(t *testing.T, typ MessageType, payload any) *Message {
	t.Helper()
	body, err := json.Marshal(&Message{ID: uuid.NewString(), Type: typ, Payload: payload, Timestamp: time.Now()})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return &msg
}

func TestParsePayload_TaskPending(t *testing.T) {
	id := uuid.New()
	msg := wire(t, MessageTypeTaskPending, TaskPendingPayload{TaskID: id})

	if _, ok := msg.Payload.(map[string]any); !ok {
		t.Fatalf("expected generic payload after decoding, got %T", msg.Payload)
	}
	p, err := ParsePayload[TaskPendingPayload](msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.TaskID != id {
		t.Errorf("expected task id %s, got %s", id, p.TaskID)
	}
}

func TestParsePayload_Alarm(t *testing.T) {
	msg := wire(t, MessageTypeAlarm, AlarmPayload{Target: "10.0.0.1:7000", Message: "target unreachable", Detail: "i/o timeout"})

	p, err := ParsePayload[AlarmPayload](msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Target != "10.0.0.1:7000" || p.Detail != "i/o timeout" {
		t.Errorf("unexpected payload: %+v", p)
	}
}

func TestParsePayload_Mismatch(t *testing.T) {
	msg := wire(t, MessageTypeTaskPending, map[string]any{"task_id": "not-a-uuid"})

	if _, err := ParsePayload[TaskPendingPayload](msg); err == nil {
		t.Error("expected error for invalid task id")
	}
}

func TestTopologyInfo(t *testing.T) {
	info := TopologyInfo()
	for _, name := range []string{
		string(ExchangeTasks), string(ExchangeEvents), string(ExchangeAlarms),
		string(QueueTasksPending), string(QueueTasksFinished), string(QueueAlarms),
	} {
		if !strings.Contains(info, name) {
			t.Errorf("topology description misses %s", name)
		}
	}
}
