package envelope

import (
	"fmt"
	"strings"
)

// RoutingStatus moves Pending -> Routed or Pending -> RoutingFailed, never back.
type RoutingStatus int

const (
	Pending RoutingStatus = iota
	Routed
	RoutingFailed
)

func (s RoutingStatus) String() string {
	switch s {
	case Pending:
		return "pending"
	case Routed:
		return "routed"
	case RoutingFailed:
		return "routing_failed"
	}
	return fmt.Sprintf("routing_status(%d)", int(s))
}

func (s RoutingStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *RoutingStatus) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "", "pending":
		*s = Pending
	case "routed":
		*s = Routed
	case "routing_failed":
		*s = RoutingFailed
	default:
		return fmt.Errorf("%w: unknown routing_status %q", ErrMalformed, text)
	}
	return nil
}
