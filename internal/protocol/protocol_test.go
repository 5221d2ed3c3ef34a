package protocol

import (
	"encoding/json"
	"testing"

	"github.com/lalith-99/hackerchat/internal/apperr"
	"github.com/lalith-99/hackerchat/internal/models"
)

func TestKindNames_Complete(t *testing.T) {
	for k := MessageSend; k <= Pong; k++ {
		name := k.String()
		if name == "" || name == "unknown" {
			t.Fatalf("kind %d has no name", k)
		}
		var back Kind
		if err := back.UnmarshalText([]byte(name)); err != nil || back != k {
			t.Errorf("round trip of %s = %v, %v", name, back, err)
		}
	}
	for _, k := range InboundKinds() {
		if _, ok := inboundFactories[k]; !ok {
			t.Errorf("inbound kind %s has no payload", k)
		}
	}
	for k := MessageDelivered; k <= Pong; k++ {
		if _, ok := outboundFactories[k]; !ok {
			t.Errorf("outbound kind %s has no payload", k)
		}
	}
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name     string
		frame    string
		wantKind Kind
		wantCode string
		wantRef  string
	}{
		{
			name:     "send",
			frame:    `{"type":"message.send","ref":"r1","data":{"tempId":"temp_1","channelId":"c1","content":"hi"}}`,
			wantKind: MessageSend,
		},
		{
			name:     "send with reply to temp id",
			frame:    `{"type":"message.send","data":{"tempId":"temp_2","channelId":"c1","content":"re","replyToId":"temp_1"}}`,
			wantKind: MessageSend,
		},
		{
			name:     "ping without data",
			frame:    `{"type":"ping"}`,
			wantKind: Ping,
		},
		{
			name:     "permanent id as temp id",
			frame:    `{"type":"message.send","ref":"r2","data":{"tempId":"msg_1","channelId":"c1","content":"hi"}}`,
			wantCode: "validation_error",
			wantRef:  "r2",
		},
		{
			name:     "empty message",
			frame:    `{"type":"message.send","data":{"tempId":"temp_1","channelId":"c1","content":"  "}}`,
			wantCode: "validation_error",
		},
		{
			name:     "server only kind",
			frame:    `{"type":"message.new","ref":"r3","data":{}}`,
			wantCode: "bad_type",
			wantRef:  "r3",
		},
		{
			name:     "unknown kind",
			frame:    `{"type":"message.explode"}`,
			wantCode: "bad_type",
		},
		{
			name:     "unknown field",
			frame:    `{"type":"message.delete","data":{"id":"m1","force":true}}`,
			wantCode: "bad_payload",
		},
		{
			name:     "not json",
			frame:    `{`,
			wantCode: "bad_frame",
		},
		{
			name:     "bad status",
			frame:    `{"type":"status.update","data":{"status":"sleepy"}}`,
			wantCode: "validation_error",
		},
		{
			name:     "channel originalId must be temporary",
			frame:    `{"type":"channel.create","data":{"name":"t","originalId":"ch_1"}}`,
			wantCode: "validation_error",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, payload, err := Decode([]byte(tt.frame))
			if tt.wantCode != "" {
				ae := apperr.As(err)
				if err == nil || ae.Kind != apperr.Validation || ae.Code != tt.wantCode {
					t.Fatalf("Decode() error = %v, want code %s", err, tt.wantCode)
				}
				if ae.Ref != tt.wantRef {
					t.Errorf("error ref = %q, want %q", ae.Ref, tt.wantRef)
				}
				return
			}
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if env.Type != tt.wantKind || payload.Kind() != tt.wantKind {
				t.Errorf("kind = %s / %s, want %s", env.Type, payload.Kind(), tt.wantKind)
			}
		})
	}
}

func TestEncode_DeliveredShape(t *testing.T) {
	raw, err := Encode("r1", Delivered{
		TempID:      "temp_1",
		PermanentID: "msg_abc",
		ChannelID:   "c1",
		Entity:      &models.Message{ID: "msg_abc", Content: "hi", OriginalID: "temp_1", ChannelID: "c1"},
	})
	if err != nil {
		t.Fatal(err)
	}

	var wire struct {
		Type string `json:"type"`
		Ref  string `json:"ref"`
		Data struct {
			TempID      string `json:"tempId"`
			PermanentID string `json:"permanentId"`
			Entity      struct {
				ID         string `json:"id"`
				OriginalID string `json:"originalId"`
			} `json:"entity"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		t.Fatal(err)
	}
	if wire.Type != "message.delivered" || wire.Ref != "r1" {
		t.Errorf("envelope = %s/%s", wire.Type, wire.Ref)
	}
	if wire.Data.TempID != "temp_1" || wire.Data.PermanentID != "msg_abc" || wire.Data.Entity.OriginalID != "temp_1" {
		t.Errorf("data = %+v", wire.Data)
	}
}

func TestDecodeEvent_ReturnsValueTypes(t *testing.T) {
	raw, _ := Encode("", ReplyCleared(&models.Message{ID: "m2", ChannelID: "c1"}))
	_, ev, err := DecodeEvent(raw)
	if err != nil {
		t.Fatal(err)
	}
	upd, ok := ev.(MessageUpdatedEvent)
	if !ok {
		t.Fatalf("event type = %T, want MessageUpdatedEvent", ev)
	}
	if upd.Fields.ReplyToID == nil || *upd.Fields.ReplyToID != "" {
		t.Errorf("cleared reply field = %v, want present and empty", upd.Fields.ReplyToID)
	}
}

func TestErrorFor(t *testing.T) {
	err := apperr.NotFoundf("channel_not_found", "channel c9 not found")
	if ev, ok := ErrorFor(err, "temp_1").(MessageErrorEvent); !ok || ev.TempID != "temp_1" || ev.Code != "channel_not_found" {
		t.Errorf("send error = %+v", ev)
	}
	ev, ok := ErrorFor(err.WithRef("r9"), "").(ErrorEvent)
	if !ok || ev.Ref != "r9" || ev.Message != "channel c9 not found" {
		t.Errorf("generic error = %+v", ev)
	}
}
