//go:generate go run go.uber.org/mock/mockgen -source=sender.go -destination=mocks/mock_sender.go -package=mocks
package registry

// Sender is the write side of one live connection. ID is unique per
// connection, so two connections bound to the same identity over time are
// distinguishable. Send must not block; it reports false when the line could
// not be queued (connection closed or backed up).
type Sender interface {
	ID() string
	Send(line string) bool
}
