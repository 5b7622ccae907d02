// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package hpx

import (
	"context"
	"sync/atomic"

	"github.com/grailbio/base/errors"
	"github.com/hkaiser/hpx/agas"
	"github.com/hkaiser/hpx/archive"
)

// actionSetLCO delivers a value to an LCO registered on another
// locality.
const actionSetLCO = "hpx.set_lco"

// A Trigger is the runtime-facing side of a local LCO: it accepts the
// serialized payload once and fulfils whatever typed cell stands
// behind it. Triggers fire at most once; the runtime removes the LCO
// when it fires.
type Trigger interface {
	Trigger(payload []byte) error
}

// NewLCO installs trig in the local LCO table and returns its global
// identity, suitable for registration with the naming service.
func (rt *Runtime) NewLCO(trig Trigger) agas.ID {
	seq := atomic.AddUint64(&rt.nextLCO, 1)
	rt.mu.Lock()
	rt.lcos[seq] = trig
	rt.mu.Unlock()
	return agas.ID{Locality: rt.LocalityID(), Seq: seq}
}

// DropLCO removes an LCO that will never be triggered, e.g. when its
// registration failed.
func (rt *Runtime) DropLCO(id agas.ID) {
	if id.Locality != rt.LocalityID() {
		return
	}
	rt.mu.Lock()
	delete(rt.lcos, id.Seq)
	rt.mu.Unlock()
}

func (rt *Runtime) takeLCO(seq uint64) Trigger {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	trig := rt.lcos[seq]
	delete(rt.lcos, seq)
	return trig
}

// SetLCO delivers payload to the cell named by id. A local cell is
// triggered directly; a remote one receives a set-LCO parcel.
func (rt *Runtime) SetLCO(ctx context.Context, id agas.ID, payload []byte) error {
	if id.IsNil() {
		return errors.E(errors.Invalid, "set of nil LCO")
	}
	if id.Locality == rt.LocalityID() {
		trig := rt.takeLCO(id.Seq)
		if trig == nil {
			return errors.E(errors.NotExist, "unknown LCO")
		}
		return trig.Trigger(payload)
	}
	w := archive.NewWriter()
	w.PutUint64(id.Seq)
	w.PutBytes(payload)
	return rt.Post(ctx, id.Locality, actionSetLCO, w.Bytes(), nil)
}

func (rt *Runtime) handleSetLCO(src uint32, msg []byte) error {
	r, err := archive.NewReader(msg, nil)
	if err != nil {
		return err
	}
	seq, err := r.Uint64()
	if err != nil {
		return err
	}
	payload, err := r.Bytes()
	if err != nil {
		return err
	}
	trig := rt.takeLCO(seq)
	if trig == nil {
		return errors.E(errors.NotExist, "unknown LCO")
	}
	return trig.Trigger(payload)
}
