// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package agas defines the interface the runtime core consumes from
// the global address and symbol service: registering local identities
// under symbolic names, resolving names to identities, and mapping a
// name to the locality whose symbol-namespace shard owns it. The
// service itself is a collaborator; Registry provides an in-process
// implementation for single-node runs and simulated clusters.
package agas

import (
	"strconv"
	"strings"

	"github.com/hkaiser/hpx/future"
)

// An ID names a single-assignment cell (an LCO) somewhere in the
// system: the locality it lives on and its slot there. The zero ID is
// invalid.
type ID struct {
	Locality uint32
	Seq      uint64
}

// IsNil reports whether the ID is the invalid zero ID.
func (id ID) IsNil() bool { return id == ID{} }

// NameFromBasename derives the symbolic name under which site i of a
// collective registers: basename/i.
func NameFromBasename(basename string, site uint64) string {
	return strings.TrimSuffix(basename, "/") + "/" + strconv.FormatUint(site, 10)
}

// Resolver is the naming-service interface consumed by the core.
// Registration and resolution are asynchronous and return futures;
// shard mapping and locality identity are local, synchronous
// operations.
type Resolver interface {
	// RegisterWithBasename registers id under basename/site. The
	// returned future resolves to true once the registration is
	// visible, false if the name was already taken.
	RegisterWithBasename(basename string, id ID, site uint64) *future.Future[bool]

	// FindFromBasename resolves basename/site to the registered
	// identity, completing when a matching registration arrives.
	FindFromBasename(basename string, site uint64) *future.Future[ID]

	// UnregisterWithBasename removes the registration for
	// basename/site, returning the identity that was registered. The
	// future fails with kind errors.NotExist if the name is unknown.
	UnregisterWithBasename(basename string, site uint64) *future.Future[ID]

	// ServiceLocalityID returns the locality whose symbol-namespace
	// shard serves the given (full) name.
	ServiceLocalityID(name string) uint32

	// NumLocalities returns the number of localities in the system.
	NumLocalities() uint32

	// LocalityID returns the calling locality's id.
	LocalityID() uint32
}
