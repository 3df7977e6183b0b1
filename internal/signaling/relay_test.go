package signaling

import (
	"encoding/json"
	"testing"

	"github.com/foxseedlab/partyroom/internal/apperr"
	"github.com/foxseedlab/partyroom/internal/registry"
)

type peerCall struct {
	conn  string
	event string
	msg   Message
}

type mockPeerSender struct {
	calls []peerCall
}

func (m *mockPeerSender) ToPeer(connID, event string, data any) {
	m.calls = append(m.calls, peerCall{conn: connID, event: event, msg: data.(Message)})
}

func setup() (*registry.Registry, *mockPeerSender, *Relay) {
	reg := registry.New()
	reg.Bind(registry.Binding{ConnID: "c1", RoomCode: "ABC123", GuestID: "g1", Nickname: "host"})
	reg.Bind(registry.Binding{ConnID: "c2", RoomCode: "ABC123", GuestID: "g2", Nickname: "alice"})
	reg.Bind(registry.Binding{ConnID: "c3", RoomCode: "XYZ789", GuestID: "g3", Nickname: "bob"})
	out := &mockPeerSender{}
	return reg, out, NewRelay(reg, out)
}

func TestForward_SameRoom(t *testing.T) {
	_, out, relay := setup()
	sdp := json.RawMessage(`{"type":"offer","sdp":"v=0"}`)

	if err := relay.Forward(KindOffer, "c1", "g2", sdp); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out.calls) != 1 {
		t.Fatalf("expected one delivery, got %d", len(out.calls))
	}
	got := out.calls[0]
	if got.conn != "c2" || got.event != "offer" || got.msg.From != "g1" || string(got.msg.Payload) != string(sdp) {
		t.Fatalf("unexpected delivery: %+v", got)
	}
}

func TestForward_NeverCrossesRooms(t *testing.T) {
	_, out, relay := setup()

	err := relay.Forward(KindICECandidate, "c1", "g3", json.RawMessage(`{"candidate":"x"}`))
	if !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
	if len(out.calls) != 0 {
		t.Fatalf("message forwarded across rooms: %+v", out.calls)
	}
}

func TestForward_Rejections(t *testing.T) {
	_, out, relay := setup()
	cases := []struct {
		name   string
		kind   Kind
		sender string
		target string
		body   string
		want   apperr.Kind
	}{
		{name: "empty payload", kind: KindAnswer, sender: "c1", target: "g2", body: "", want: apperr.KindValidation},
		{name: "null payload", kind: KindAnswer, sender: "c1", target: "g2", body: "null", want: apperr.KindValidation},
		{name: "missing target", kind: KindAnswer, sender: "c1", target: "", body: "{}", want: apperr.KindValidation},
		{name: "unknown kind", kind: "renegotiate", sender: "c1", target: "g2", body: "{}", want: apperr.KindValidation},
		{name: "unknown target", kind: KindAnswer, sender: "c1", target: "nobody", body: "{}", want: apperr.KindNotFound},
		{name: "unbound sender", kind: KindAnswer, sender: "ghost", target: "g2", body: "{}", want: apperr.KindNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := relay.Forward(tc.kind, tc.sender, tc.target, json.RawMessage(tc.body))
			if !apperr.Is(err, tc.want) {
				t.Fatalf("expected %s, got %v", tc.want, err)
			}
		})
	}
	if len(out.calls) != 0 {
		t.Fatalf("rejected messages were forwarded: %+v", out.calls)
	}
}
