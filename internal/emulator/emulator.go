// Package emulator serves a Card over a unix socket. Each frame is a
// 4-byte big-endian length followed by one APDU. Opening a connection
// powers the card up and closing it removes the card from the reader.
package emulator

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/schjonhaug/carcard"
)

// MaxFrame bounds a frame; an extended APDU never exceeds it.
const MaxFrame = 70000

var ErrFrameTooLarge = errors.New("frame too large")

func WriteFrame(w io.Writer, p []byte) error {
	if len(p) > MaxFrame {
		return ErrFrameTooLarge
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(p)))
	if _, err := w.Write(append(header[:], p...)); err != nil {
		return err
	}
	return nil
}

func ReadFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header[:])
	if n > MaxFrame {
		return nil, ErrFrameTooLarge
	}
	p := make([]byte, n)
	if _, err := io.ReadFull(r, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Server hands one connection at a time to the card, like a reader with a
// single slot.
type Server struct {
	card   *carcard.Card
	logger *slog.Logger

	mu sync.Mutex
}

func NewServer(card *carcard.Card, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{card: card, logger: logger}
}

// Listen removes a stale socket file and listens on path.
func Listen(path string) (net.Listener, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}
	return net.Listen("unix", path)
}

// Serve accepts connections until ctx is done or the listener fails. A
// connected reader is cut off when ctx is done.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		s.handle(ctx, conn)
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := s.card.Select(); err != nil {
		s.logger.Warn("Card powered up", "error", err)
	}
	defer s.card.Deselect()

	s.logger.Debug("Reader connected")

	for {
		command, err := ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				s.logger.Warn("Read frame", "error", err)
			}
			return
		}

		s.logger.Debug("C-APDU", "Data", fmt.Sprintf("%x", command))

		response, err := s.card.Transmit(command)
		if err != nil {
			s.logger.Warn("Malformed command", "error", err)
			response = []byte{0x67, 0x00}
		}

		s.logger.Debug("R-APDU", "Data", fmt.Sprintf("%x", response))

		if err := WriteFrame(conn, response); err != nil {
			s.logger.Warn("Write frame", "error", err)
			return
		}
	}
}

// Client is the terminal side of the socket.
type Client struct {
	conn net.Conn
}

func Dial(path string) (*Client, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Transmit(command []byte) ([]byte, error) {
	if err := WriteFrame(c.conn, command); err != nil {
		return nil, err
	}
	return ReadFrame(c.conn)
}

func (c *Client) Close() error {
	return c.conn.Close()
}
