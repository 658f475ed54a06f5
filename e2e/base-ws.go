package e2e

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/gookit/color"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/suite"
)

type BaseWsSuite struct {
	suite.Suite
	Config Config
}

// Frame is one JSON envelope as it travels on the wire.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// SetupSuite loads the environment configuration before running tests
func (s *BaseWsSuite) SetupSuite() {
	var err error
	s.Config, err = LoadConfig()
	s.Require().NoError(err)
	if s.Config.RelayAddr == "" {
		s.T().Skip("RELAY_ADDR not set, skipping end-to-end suite")
	}
}

// Dial opens a WebSocket on the relay with a colorized header in the logs.
func (s *BaseWsSuite) Dial(t *testing.T, name string) *websocket.Conn {
	header := fmt.Sprintf("  ====== %s ======", name)
	if s.Config.Colours {
		header = color.New(color.BgBlack, color.FgGreen).Render(header)
	}
	t.Log(header)

	u := url.URL{Scheme: "ws", Host: s.Config.RelayAddr, Path: "/ws"}
	h := http.Header{}
	h.Set("Origin", s.Config.Origin)
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), h)
	s.Require().NoError(err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (s *BaseWsSuite) Send(t *testing.T, conn *websocket.Conn, event string, data any) {
	payload, err := json.Marshal(map[string]any{"event": event, "data": data})
	s.Require().NoError(err)
	s.debug(t, ">>", payload)
	s.Require().NoError(conn.WriteMessage(websocket.TextMessage, payload))
}

// Expect reads frames until one named event arrives.
func (s *BaseWsSuite) Expect(t *testing.T, conn *websocket.Conn, event string) Frame {
	frames := s.Collect(t, conn, event)
	return frames[len(frames)-1]
}

// Collect returns every frame read up to and including the named event.
func (s *BaseWsSuite) Collect(t *testing.T, conn *websocket.Conn, event string) []Frame {
	var frames []Frame
	deadline := time.Now().Add(5 * time.Second)
	for {
		s.Require().NoError(conn.SetReadDeadline(deadline))
		_, payload, err := conn.ReadMessage()
		s.Require().NoError(err, "waiting for %s", event)
		s.debug(t, "<<", payload)

		var f Frame
		s.Require().NoError(json.Unmarshal(payload, &f))
		frames = append(frames, f)
		if f.Event == event {
			return frames
		}
	}
}

func (s *BaseWsSuite) debug(t *testing.T, direction string, payload []byte) {
	if !s.Config.DebugJSON {
		return
	}
	line := fmt.Sprintf("%s %s", direction, payload)
	if s.Config.Colours {
		line = color.FgCyan.Render(line)
	}
	t.Log(line)
}
