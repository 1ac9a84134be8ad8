/*
Copyright 2024 Alexandre Mahdhaoui

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package xenstore

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
)

const (
	// DefaultSocketPath is the unix socket of xenstored in dom0.
	DefaultSocketPath = "/var/run/xenstored/socket"
	// XenbusDevicePath is the character device exposed by the xenbus driver.
	XenbusDevicePath = "/dev/xen/xenbus"

	headerLen = 16
)

var errDial = errors.New("connecting to xenstored")

type header struct {
	Type  MsgType
	ReqID uint32
	TxID  TxID
	Len   uint32
}

// Client is a connection to xenstored.
type Client struct {
	mu    sync.Mutex
	conn  io.ReadWriteCloser
	reqID uint32
	// broken is set once the stream can no longer be trusted to be aligned on a message boundary.
	broken error
}

// Dial connects to xenstored. Paths under /dev are opened as the xenbus device, anything else as a unix socket.
func Dial(path string) (*Client, error) {
	if path == "" {
		path = DefaultSocketPath
	}

	if strings.HasPrefix(path, "/dev/") {
		f, err := os.OpenFile(path, os.O_RDWR, 0)
		if err != nil {
			return nil, errors.Join(err, errDial)
		}

		return NewClient(f), nil
	}

	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, errors.Join(err, errDial)
	}

	return NewClient(conn), nil
}

// NewClient returns a client speaking the wire protocol over conn.
func NewClient(conn io.ReadWriteCloser) *Client {
	return &Client{conn: conn}
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// --------------------------------------------------- OPERATIONS --------------------------------------------------- //

// Read returns the value of a node.
func (c *Client) Read(tx TxID, path string) (string, error) {
	b, err := c.request(MsgRead, tx, path, cstring(path))
	if err != nil {
		return "", err
	}

	return string(b), nil
}

// Directory returns the names of the children of a node.
func (c *Client) Directory(tx TxID, path string) ([]string, error) {
	b, err := c.request(MsgDirectory, tx, path, cstring(path))
	if err != nil {
		return nil, err
	}

	return splitStrings(b), nil
}

// Write sets the value of a node, creating it and its missing parents.
func (c *Client) Write(tx TxID, path, value string) error {
	payload := append(cstring(path), value...)
	_, err := c.request(MsgWrite, tx, path, payload)

	return err
}

// Mkdir creates a node with an empty value. It succeeds if the node already exists.
func (c *Client) Mkdir(tx TxID, path string) error {
	_, err := c.request(MsgMkdir, tx, path, cstring(path))
	return err
}

// Remove deletes a node and all of its children.
func (c *Client) Remove(tx TxID, path string) error {
	_, err := c.request(MsgRm, tx, path, cstring(path))
	return err
}

// SetPermissions replaces the access control list of a node.
func (c *Client) SetPermissions(tx TxID, path string, perms []Permission) error {
	payload := cstring(path)
	for _, p := range perms {
		payload = append(payload, cstring(p.String())...)
	}

	_, err := c.request(MsgSetPerms, tx, path, payload)

	return err
}

// GetPermissions returns the access control list of a node.
func (c *Client) GetPermissions(tx TxID, path string) ([]Permission, error) {
	b, err := c.request(MsgGetPerms, tx, path, cstring(path))
	if err != nil {
		return nil, err
	}

	raw := splitStrings(b)
	out := make([]Permission, 0, len(raw))
	for _, s := range raw {
		p, err := ParsePermission(s)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}

	return out, nil
}

// TransactionStart opens a transaction.
func (c *Client) TransactionStart() (TxID, error) {
	b, err := c.request(MsgTransactionStart, NoTx, "", cstring(""))
	if err != nil {
		return NoTx, err
	}

	id, err := strconv.ParseUint(strings.TrimRight(string(b), "\x00"), 10, 32)
	if err != nil {
		return NoTx, fmt.Errorf("%w: transaction id %q", ErrUnexpectedReply, b)
	}

	return TxID(id), nil
}

// TransactionEnd commits or aborts a transaction. A commit racing with another writer fails with ErrAgain.
func (c *Client) TransactionEnd(tx TxID, commit bool) error {
	flag := "F"
	if commit {
		flag = "T"
	}

	_, err := c.request(MsgTransactionEnd, tx, "", cstring(flag))

	return err
}

// ----------------------------------------------------- WIRE ------------------------------------------------------- //

func (c *Client) request(op MsgType, tx TxID, path string, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.broken != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnBroken, c.broken)
	}

	c.reqID++
	req := header{Type: op, ReqID: c.reqID, TxID: tx, Len: uint32(len(payload))}

	buf := bytes.NewBuffer(make([]byte, 0, headerLen+len(payload)))
	if err := binary.Write(buf, binary.LittleEndian, req); err != nil {
		return nil, err
	}
	buf.Write(payload)

	if _, err := c.conn.Write(buf.Bytes()); err != nil {
		return nil, c.fail(fmt.Errorf("writing xenstore request: %w", err))
	}

	for {
		var rep header
		if err := binary.Read(c.conn, binary.LittleEndian, &rep); err != nil {
			return nil, c.fail(fmt.Errorf("reading xenstore reply header: %w", err))
		}

		if rep.Len > MaxPayload {
			return nil, c.fail(fmt.Errorf("%w: reply of %d bytes", ErrPayloadTooLarge, rep.Len))
		}

		body := make([]byte, rep.Len)
		if _, err := io.ReadFull(c.conn, body); err != nil {
			return nil, c.fail(fmt.Errorf("reading xenstore reply body: %w", err))
		}

		// Watch events are asynchronous and may interleave with replies.
		if rep.Type == MsgWatchEvent {
			continue
		}

		// Replies to earlier requests whose caller already gave up.
		if int32(rep.ReqID-req.ReqID) < 0 {
			continue
		}

		if rep.ReqID != req.ReqID {
			return nil, c.fail(fmt.Errorf("%w: request id %d, got %d", ErrUnexpectedReply, req.ReqID, rep.ReqID))
		}

		if rep.Type == MsgError {
			return nil, &Error{Op: op, Path: path, Errno: strings.TrimRight(string(body), "\x00")}
		}

		if rep.Type != op {
			return nil, fmt.Errorf("%w: type %d for request %d", ErrUnexpectedReply, rep.Type, op)
		}

		return body, nil
	}
}

// fail marks the connection unusable. Later requests fail with ErrConnBroken.
func (c *Client) fail(err error) error {
	c.broken = err
	return err
}

func cstring(s string) []byte {
	return append([]byte(s), 0)
}

func splitStrings(b []byte) []string {
	s := strings.TrimRight(string(b), "\x00")
	if s == "" {
		return nil
	}

	return strings.Split(s, "\x00")
}
