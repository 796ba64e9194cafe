// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/Thermoquad/tpbridge/pkg/config"
	"github.com/gorilla/websocket"
	"go.bug.st/serial"
	"golang.org/x/term"
)

// hostConn is the byte stream between the gateway and the host controller
type hostConn interface {
	io.Reader
	io.Writer
	io.Closer
}

// openHost opens the host link described by the configuration. With a
// positive readTimeout every read returns within that time, which the
// superloop relies on.
func openHost(h config.HostConfig, readTimeout time.Duration) (hostConn, string, error) {
	switch {
	case h.URL != "":
		ws, err := dialHost(h)
		if err != nil {
			return nil, "", err
		}
		var conn hostConn = ws
		if readTimeout > 0 {
			conn = newPollingConn(ws, readTimeout)
		}
		return conn, "WebSocket: " + h.URL, nil

	case h.Port != "":
		port, err := openSerialHost(h.Port, h.Baud, readTimeout)
		if err != nil {
			return nil, "", err
		}
		return port, fmt.Sprintf("Serial: %s @ %d baud 8E1", h.Port, h.Baud), nil
	}

	return nil, "", errors.New("either --port or --url must be specified")
}

// openSerialHost opens the port in the host link framing: 8 data bits, even
// parity, one stop bit. A read that times out returns 0, nil.
func openSerialHost(name string, baud int, readTimeout time.Duration) (serial.Port, error) {
	port, err := serial.Open(name, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.EvenParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", name, err)
	}

	if readTimeout > 0 {
		if err := port.SetReadTimeout(readTimeout); err != nil {
			port.Close()
			return nil, fmt.Errorf("setting read timeout on %s: %w", name, err)
		}
	}
	return port, nil
}

// wsHost carries the host byte stream in binary WebSocket messages. Each
// write is sent as one message and reads return message payloads in order.
// A closed connection reads as io.EOF.
type wsHost struct {
	conn *websocket.Conn
	msg  io.Reader
	err  error
}

func (w *wsHost) Read(p []byte) (int, error) {
	for {
		if w.err != nil {
			return 0, w.err
		}

		if w.msg != nil {
			n, err := w.msg.Read(p)
			if err == io.EOF {
				w.msg = nil
				if n == 0 {
					continue
				}
				err = nil
			}
			return n, err
		}

		kind, r, err := w.conn.NextReader()
		if err != nil {
			// the connection is unusable after a read error
			w.err = err
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
				errors.Is(err, net.ErrClosed) {
				w.err = io.EOF
			}
			return 0, w.err
		}
		if kind == websocket.BinaryMessage {
			w.msg = r
		}
	}
}

func (w *wsHost) Write(p []byte) (int, error) {
	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close sends a close frame before dropping the connection
func (w *wsHost) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return w.conn.Close()
}

// dialHost connects to a WebSocket host link, authenticating with HTTP
// Basic auth when a username is configured
func dialHost(h config.HostConfig) (*wsHost, error) {
	u, err := url.Parse(h.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("unsupported URL scheme %q (use ws:// or wss://)", u.Scheme)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	if u.Scheme == "wss" {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: h.InsecureTLS}
	}

	header := http.Header{}
	if h.Username != "" {
		password, err := hostPassword(h)
		if err != nil {
			return nil, err
		}
		credentials := base64.StdEncoding.EncodeToString([]byte(h.Username + ":" + password))
		header.Set("Authorization", "Basic "+credentials)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	conn, resp, err := dialer.DialContext(ctx, h.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	return &wsHost{conn: conn}, nil
}

// hostPassword returns the configured password, prompting on the terminal
// when none is set
func hostPassword(h config.HostConfig) (string, error) {
	if h.Password != "" {
		return h.Password, nil
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("no password for " + h.Username + ": set TPBRIDGE_HOST_PASSWORD")
	}

	fmt.Fprintf(os.Stderr, "Password for %s: ", h.Username)
	password, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return string(password), nil
}

// pollingConn gives a blocking connection a read timeout by reading on a
// separate goroutine. A read that times out returns 0, nil, the same as a
// serial port with a read timeout.
type pollingConn struct {
	hostConn
	timeout time.Duration
	data    chan []byte
	errs    chan error
	pending []byte
}

func newPollingConn(conn hostConn, timeout time.Duration) *pollingConn {
	pc := &pollingConn{
		hostConn: conn,
		timeout:  timeout,
		data:     make(chan []byte, 16),
		errs:     make(chan error, 1),
	}
	go pc.readLoop()
	return pc
}

func (pc *pollingConn) readLoop() {
	for {
		buf := make([]byte, 256)
		n, err := pc.hostConn.Read(buf)
		if n > 0 {
			pc.data <- buf[:n]
		}
		if err != nil {
			pc.errs <- err
			return
		}
	}
}

func (pc *pollingConn) Read(p []byte) (int, error) {
	if len(pc.pending) == 0 {
		timer := time.NewTimer(pc.timeout)
		defer timer.Stop()

		select {
		case data := <-pc.data:
			pc.pending = data
		case err := <-pc.errs:
			// keep reporting the failure on later reads
			pc.errs <- err
			select {
			case data := <-pc.data:
				pc.pending = data
			default:
				return 0, err
			}
		case <-timer.C:
			return 0, nil
		}
	}

	n := copy(p, pc.pending)
	pc.pending = pc.pending[n:]
	return n, nil
}
