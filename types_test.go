package beacon

import (
	"encoding/json"
	"testing"
)

func TestEventValidate(t *testing.T) {
	valid := Event{
		Action:    broadcast,
		Scope:     UserGroup("alice"),
		RequestId: "req-1",
		Event:     "task.created",
	}
	if !valid.Validate() {
		t.Error("expected fully populated event to validate")
	}

	cases := map[string]Event{
		"missing action": {Scope: "s", RequestId: "r", Event: "e"},
		"missing scope":  {Action: broadcast, RequestId: "r", Event: "e"},
		"missing id":     {Action: broadcast, Scope: "s", Event: "e"},
		"missing event":  {Action: broadcast, Scope: "s", RequestId: "r"},
	}
	for name, ev := range cases {
		t.Run(name, func(t *testing.T) {
			if ev.Validate() {
				t.Error("expected validation to fail")
			}
		})
	}
}

func TestEventWireFormat(t *testing.T) {
	ev := Event{
		Action:    presenceAction,
		Scope:     OrgGroup("acme"),
		RequestId: "req-1",
		Event:     string(presenceOnlineEvent),
		Payload:   map[string]interface{}{"identity": "alice"},
	}
	data, err := json.Marshal(ev)

	if err != nil {
		t.Fatal(err)
	}

	t.Run("nodeId is omitted when empty", func(t *testing.T) {
		var raw map[string]interface{}
		if err := json.Unmarshal(data, &raw); err != nil {
			t.Fatal(err)
		}
		if _, present := raw["nodeId"]; present {
			t.Error("expected empty nodeId to be omitted from the wire")
		}
	})

	t.Run("round trip preserves the envelope", func(t *testing.T) {
		var decoded Event
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatal(err)
		}
		if decoded.Action != presenceAction || decoded.Scope != "org:acme" || decoded.Event != string(presenceOnlineEvent) {
			t.Errorf("unexpected decoded event: %+v", decoded)
		}
	})
}

func TestGroupKeys(t *testing.T) {
	if UserGroup("alice") != "user:alice" {
		t.Errorf("unexpected user group key: %s", UserGroup("alice"))
	}
	if OrgGroup("acme") != "org:acme" {
		t.Errorf("unexpected org group key: %s", OrgGroup("acme"))
	}
}
