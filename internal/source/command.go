package source

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/rjboer/sdrsource/internal/logging"
)

// CommandKind names a runtime-settable parameter.
type CommandKind int

const (
	CmdFrequency CommandKind = iota
	CmdGain
	CmdSampleRate
	CmdBandwidth
	CmdAntenna
)

// ChannelKey selects the channel a command message applies to.
const ChannelKey = "chan"

var commandKeys = [...]string{
	CmdFrequency:  "freq",
	CmdGain:       "gain",
	CmdSampleRate: "samp_rate",
	CmdBandwidth:  "bw",
	CmdAntenna:    "antenna",
}

func (k CommandKind) String() string {
	if k < 0 || int(k) >= len(commandKeys) {
		return "CommandKind(" + strconv.Itoa(int(k)) + ")"
	}
	return commandKeys[k]
}

// ParseCommandKind resolves a message key.
func ParseCommandKind(key string) (CommandKind, bool) {
	for i, name := range commandKeys {
		if name == key {
			return CommandKind(i), true
		}
	}
	return 0, false
}

// CommandKinds lists every kind in dispatch order.
func CommandKinds() []CommandKind {
	kinds := make([]CommandKind, len(commandKeys))
	for i := range kinds {
		kinds[i] = CommandKind(i)
	}
	return kinds
}

// Message is a keyed reconfiguration request, e.g. {"chan": 1, "freq": 433.92e6}.
type Message map[string]any

// DecodeMessage parses a JSON object into a Message. Numbers are kept as
// json.Number.
func DecodeMessage(data []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var msg Message
	if err := dec.Decode(&msg); err != nil {
		return nil, fmt.Errorf("decode command: %w", err)
	}
	if msg == nil {
		return nil, fmt.Errorf("decode command: not an object")
	}
	return msg, nil
}

type commandHandler interface {
	apply(ch int, value any) error
}

type floatHandler func(ch int, v float64) error

func (h floatHandler) apply(ch int, value any) error {
	v, err := toFloat(value)
	if err != nil {
		return err
	}
	return h(ch, v)
}

type stringHandler func(ch int, v string) error

func (h stringHandler) apply(ch int, value any) error {
	v, ok := value.(string)
	if !ok {
		return fmt.Errorf("expected string, got %T", value)
	}
	return h(ch, v)
}

func (s *Source) commandTable() map[CommandKind]commandHandler {
	m := s.mgr
	return map[CommandKind]commandHandler{
		CmdFrequency:  floatHandler(m.SetFrequency),
		CmdGain:       floatHandler(m.SetGain),
		CmdSampleRate: floatHandler(m.SetSampleRate),
		CmdBandwidth:  floatHandler(m.SetBandwidth),
		CmdAntenna:    stringHandler(m.SetAntenna),
	}
}

// Command applies a reconfiguration message. msg must be a Message or a
// map[string]any; anything else is logged and ignored. The optional "chan"
// key selects the channel (default 0). Parameters are applied in the order
// of CommandKinds regardless of key order; unknown keys and failing
// handlers are logged and do not stop the rest of the message.
func (s *Source) Command(msg any) {
	var fields map[string]any
	switch m := msg.(type) {
	case Message:
		fields = m
	case map[string]any:
		fields = m
	default:
		s.log.Warn("ignoring command that is not a mapping", logging.Field{Key: "type", Value: fmt.Sprintf("%T", msg)})
		return
	}

	ch := 0
	values := make(map[CommandKind]any, len(fields))
	for key, value := range fields {
		if key == ChannelKey {
			n, err := toChannel(value)
			if err != nil {
				s.log.Warn("dropping command with invalid channel", logging.Field{Key: "chan", Value: value}, logging.Err(err))
				return
			}
			ch = n
			continue
		}
		kind, ok := ParseCommandKind(key)
		if !ok {
			s.log.Warn("unknown command key", logging.Field{Key: "key", Value: key})
			continue
		}
		values[kind] = value
	}

	for _, kind := range CommandKinds() {
		value, ok := values[kind]
		if !ok {
			continue
		}
		if err := s.handlers[kind].apply(ch, value); err != nil {
			s.log.Warn("command failed",
				logging.Field{Key: "command", Value: kind.String()},
				logging.Field{Key: "chan", Value: ch},
				logging.Err(err),
			)
			continue
		}
		s.log.Debug("command applied",
			logging.Field{Key: "command", Value: kind.String()},
			logging.Field{Key: "chan", Value: ch},
			logging.Field{Key: "value", Value: value},
		)
	}
}

func toFloat(value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case uint32:
		return float64(v), nil
	case uint64:
		return float64(v), nil
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, fmt.Errorf("invalid number %q", v)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("expected number, got %T", value)
	}
}

func toChannel(value any) (int, error) {
	f, err := toFloat(value)
	if err != nil {
		return 0, err
	}
	if f < 0 || f != math.Trunc(f) || f > math.MaxInt32 {
		return 0, fmt.Errorf("channel must be a non-negative integer, got %v", value)
	}
	return int(f), nil
}
