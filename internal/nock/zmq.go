package nock

import (
	"context"
	"encoding/hex"
	"fmt"

	zmq "github.com/pebbe/zmq4"

	"github.com/nockpool/nockpool/pkg/log"
)

// TopicHashBlock is the ZMQ topic the node publishes new tip hashes on.
const TopicHashBlock = "hashblock"

// TipNotifier receives chain tip notifications from the NOCK node over ZMQ.
// A new tip invalidates the current block template.
type TipNotifier struct {
	socket   *zmq.Socket
	endpoint string
	logger   *log.Logger
}

// NewTipNotifier creates a new tip notifier.
func NewTipNotifier(endpoint string, logger *log.Logger) (*TipNotifier, error) {
	socket, err := zmq.NewSocket(zmq.SUB)
	if err != nil {
		return nil, fmt.Errorf("failed to create ZMQ socket: %w", err)
	}

	return &TipNotifier{
		socket:   socket,
		endpoint: endpoint,
		logger:   logger.WithComponent("tip_notifier"),
	}, nil
}

// Connect connects to the ZMQ endpoint and subscribes to tip updates.
func (n *TipNotifier) Connect() error {
	if err := n.socket.Connect(n.endpoint); err != nil {
		return fmt.Errorf("failed to connect to ZMQ endpoint %s: %w", n.endpoint, err)
	}
	if err := n.socket.SetSubscribe(TopicHashBlock); err != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", TopicHashBlock, err)
	}
	n.logger.Info("connected to ZMQ endpoint", "endpoint", n.endpoint, "topic", TopicHashBlock)
	return nil
}

// Listen blocks receiving tip notifications until ctx is cancelled. The
// handler is invoked with each new tip hash; handler errors are logged and
// do not stop the loop.
func (n *TipNotifier) Listen(ctx context.Context, handler func(tipHash [32]byte) error) error {
	n.logger.Info("starting ZMQ tip listener")

	for {
		select {
		case <-ctx.Done():
			n.logger.Info("ZMQ tip listener stopping")
			return ctx.Err()
		default:
		}

		msg, err := n.socket.RecvMessageBytes(zmq.DONTWAIT)
		if err != nil {
			if err.Error() == "resource temporarily unavailable" {
				continue
			}
			n.logger.WithError(err).Error("failed to receive ZMQ message")
			continue
		}

		if len(msg) < 2 {
			n.logger.Warn("received malformed ZMQ message", "parts", len(msg))
			continue
		}

		topic := string(msg[0])
		if topic != TopicHashBlock {
			n.logger.Warn("unknown ZMQ topic", "topic", topic)
			continue
		}

		if len(msg[1]) != 32 {
			n.logger.Warn("invalid tip hash length", "length", len(msg[1]))
			continue
		}

		var tip [32]byte
		copy(tip[:], msg[1])
		n.logger.Debug("new tip notification", "hash", hex.EncodeToString(tip[:]))

		if err := handler(tip); err != nil {
			n.logger.WithError(err).Error("failed to handle tip notification")
		}
	}
}

// Close closes the ZMQ socket.
func (n *TipNotifier) Close() error {
	if n.socket != nil {
		return n.socket.Close()
	}
	return nil
}
