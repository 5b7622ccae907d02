// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package hpx implements the core of a distributed, asynchronous
// many-task runtime. Applications express parallelism as graphs of
// lightweight tasks producing and consuming future values; the
// runtime schedules those tasks over the Go scheduler on one node and
// ships work between nodes as parcels over a low-level fabric
// transport.
//
// The core comprises:
//
//   - package future: promises, futures, continuations and the
//     combinators (Then, WhenAll, WhenAny, Dataflow) that compose them
//     into task graphs;
//   - package ctxsync: an MCS queue mutex and a condition variable
//     built for cooperative tasks;
//   - package channel: a generation-indexed, closeable rendezvous
//     between producers and consumers, layered on futures;
//   - package broadcast: a hybrid local/tree-fanout collective that
//     delivers one value to N registered sites;
//   - package parcel: pinned regions, wire headers, and the sender
//     engine that drives outgoing messages over the fabric;
//   - package agas and package fabric: the interfaces consumed from
//     the naming service and the transport provider.
//
// A Runtime ties one locality's services together: its resolver, its
// region and sender pools, its endpoint, and the action handlers that
// execute incoming parcels.
package hpx
