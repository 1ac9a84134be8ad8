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

package adapter

import (
	"context"
	"errors"

	"github.com/go-logr/logr"

	"github.com/alexandremahdhaoui/cdromd/internal/util/metrics"
	"github.com/alexandremahdhaoui/cdromd/pkg/xenstore"
)

var (
	errStoreRead             = errors.New("reading store node")
	errStoreDirectory        = errors.New("listing store directory")
	errStoreTransactionStart = errors.New("starting store transaction")
	errStoreTransactionEnd   = errors.New("ending store transaction")
	errStoreTransactionAbort = errors.New("aborting store transaction")
)

// --------------------------------------------------- INTERFACES --------------------------------------------------- //

// StoreBackend is the raw protocol surface of the configuration store. *xenstore.Client implements it.
type StoreBackend interface {
	Read(tx xenstore.TxID, path string) (string, error)
	Directory(tx xenstore.TxID, path string) ([]string, error)
	Write(tx xenstore.TxID, path, value string) error
	Mkdir(tx xenstore.TxID, path string) error
	Remove(tx xenstore.TxID, path string) error
	SetPermissions(tx xenstore.TxID, path string, perms []xenstore.Permission) error
	TransactionStart() (xenstore.TxID, error)
	TransactionEnd(tx xenstore.TxID, commit bool) error
}

// Store gives transactional access to the configuration store.
type Store interface {
	// Read reads a node outside any transaction. A missing node yields an error matching xenstore.ErrNotFound.
	Read(ctx context.Context, path string) (string, error)
	// Directory lists the children of a node outside any transaction.
	Directory(ctx context.Context, path string) ([]string, error)
	// Transact runs fn inside a transaction and commits it. When the commit conflicts with a concurrent writer
	// the whole of fn is run again in a new transaction, until the commit goes through or ctx is done. An error
	// returned by fn aborts the transaction and is returned as is.
	Transact(ctx context.Context, fn func(tx Txn) error) error
}

// Txn is an open transaction.
type Txn interface {
	Read(path string) (string, error)
	Directory(path string) ([]string, error)
	Write(path, value string) error
	Mkdir(path string) error
	Remove(path string) error
	SetPermissions(path string, perms ...xenstore.Permission) error
}

// --------------------------------------------------- CONSTRUCTORS ------------------------------------------------- //

// NewStore returns a new Store.
func NewStore(backend StoreBackend, log logr.Logger) Store {
	return &store{
		backend: backend,
		log:     log,
	}
}

// --------------------------------------------- CONCRETE IMPLEMENTATION -------------------------------------------- //

type store struct {
	backend StoreBackend
	log     logr.Logger
}

func (s *store) Read(_ context.Context, path string) (string, error) {
	v, err := s.backend.Read(xenstore.NoTx, path)
	if err != nil {
		return "", errors.Join(err, errStoreRead)
	}

	return v, nil
}

func (s *store) Directory(_ context.Context, path string) ([]string, error) {
	entries, err := s.backend.Directory(xenstore.NoTx, path)
	if err != nil {
		return nil, errors.Join(err, errStoreDirectory)
	}

	return entries, nil
}

func (s *store) Transact(ctx context.Context, fn func(tx Txn) error) error {
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		id, err := s.backend.TransactionStart()
		if err != nil {
			return errors.Join(err, errStoreTransactionStart)
		}

		if err := fn(&txn{backend: s.backend, id: id}); err != nil {
			if abortErr := s.backend.TransactionEnd(id, false); abortErr != nil {
				s.log.Error(abortErr, "aborting transaction", "tx", id)
				return errors.Join(err, abortErr, errStoreTransactionAbort)
			}

			return err
		}

		err = s.backend.TransactionEnd(id, true)
		if err == nil {
			return nil
		}

		if !errors.Is(err, xenstore.ErrAgain) {
			return errors.Join(err, errStoreTransactionEnd)
		}

		metrics.StoreTransactionRetriesTotal.Inc()
		s.log.V(1).Info("transaction conflicted, retrying", "tx", id, "attempt", attempt)
	}
}

// ------------------------------------------------------ TXN ------------------------------------------------------- //

type txn struct {
	backend StoreBackend
	id      xenstore.TxID
}

func (t *txn) Read(path string) (string, error) {
	return t.backend.Read(t.id, path)
}

func (t *txn) Directory(path string) ([]string, error) {
	return t.backend.Directory(t.id, path)
}

func (t *txn) Write(path, value string) error {
	return t.backend.Write(t.id, path, value)
}

func (t *txn) Mkdir(path string) error {
	return t.backend.Mkdir(t.id, path)
}

func (t *txn) Remove(path string) error {
	return t.backend.Remove(t.id, path)
}

func (t *txn) SetPermissions(path string, perms ...xenstore.Permission) error {
	return t.backend.SetPermissions(t.id, path, perms)
}
