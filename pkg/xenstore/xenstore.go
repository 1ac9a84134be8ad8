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
	"errors"
	"fmt"
	"strconv"
)

var (
	// ErrNotFound is returned when a node does not exist (ENOENT).
	ErrNotFound = errors.New("xenstore node not found")
	// ErrAgain is returned when a transaction conflicts with a concurrent writer and must be retried (EAGAIN).
	ErrAgain = errors.New("xenstore transaction conflict")
	// ErrPermission is returned when the caller may not access a node (EACCES).
	ErrPermission = errors.New("xenstore permission denied")
	// ErrExist is returned when a node already exists (EEXIST).
	ErrExist = errors.New("xenstore node exists")

	ErrInvalidPermission = errors.New("invalid xenstore permission")
	ErrUnexpectedReply   = errors.New("unexpected xenstore reply")
	ErrPayloadTooLarge   = errors.New("xenstore payload too large")
	// ErrConnBroken is returned by every request after the connection lost track of message boundaries.
	ErrConnBroken = errors.New("xenstore connection broken")
)

// MaxPayload is the largest payload xenstored accepts in a single message.
const MaxPayload = 4096

// TxID identifies a transaction. NoTx issues a request outside any transaction.
type TxID uint32

const NoTx TxID = 0

// MsgType is the operation carried by a message.
type MsgType uint32

const (
	MsgDebug MsgType = iota
	MsgDirectory
	MsgRead
	MsgGetPerms
	MsgWatch
	MsgUnwatch
	MsgTransactionStart
	MsgTransactionEnd
	MsgIntroduce
	MsgRelease
	MsgGetDomainPath
	MsgWrite
	MsgMkdir
	MsgRm
	MsgSetPerms
	MsgWatchEvent
	MsgError
)

// ------------------------------------------------- PERMISSIONS ---------------------------------------------------- //

// Access is the access right a permission entry grants.
type Access byte

const (
	AccessNone  Access = 'n'
	AccessRead  Access = 'r'
	AccessWrite Access = 'w'
	AccessBoth  Access = 'b'
)

// Permission is one entry of a node's access control list. The first entry names the owner of the node and the
// access everybody else gets; later entries grant access to specific domains.
type Permission struct {
	DomID  int
	Access Access
}

// String returns the wire representation, e.g. "r5".
func (p Permission) String() string {
	return string(p.Access) + strconv.Itoa(p.DomID)
}

// ParsePermission parses the wire representation of a permission.
func ParsePermission(s string) (Permission, error) {
	if len(s) < 2 {
		return Permission{}, fmt.Errorf("%w: %q", ErrInvalidPermission, s)
	}

	access := Access(s[0])
	switch access {
	case AccessNone, AccessRead, AccessWrite, AccessBoth:
	default:
		return Permission{}, fmt.Errorf("%w: %q", ErrInvalidPermission, s)
	}

	domid, err := strconv.Atoi(s[1:])
	if err != nil {
		return Permission{}, fmt.Errorf("%w: %q", ErrInvalidPermission, s)
	}

	return Permission{DomID: domid, Access: access}, nil
}

// ---------------------------------------------------- ERRORS ------------------------------------------------------ //

// Error is an error reply from xenstored.
type Error struct {
	Op    MsgType
	Path  string
	Errno string
}

func (e *Error) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("xenstore op %d: %s", e.Op, e.Errno)
	}

	return fmt.Sprintf("xenstore op %d on %q: %s", e.Op, e.Path, e.Errno)
}

// Is maps errno names to the package sentinel errors.
func (e *Error) Is(target error) bool {
	switch e.Errno {
	case "ENOENT":
		return target == ErrNotFound
	case "EAGAIN":
		return target == ErrAgain
	case "EACCES", "EPERM":
		return target == ErrPermission
	case "EEXIST":
		return target == ErrExist
	}

	return false
}
