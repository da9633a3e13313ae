// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package tern

import (
	"slices"

	"github.com/creachadair/mds/mapset"
	"github.com/creachadair/tern/peers"
)

// A Target selects the connected peers that receive a host event.
type Target struct {
	all bool
	ids []peers.ID           // for To, in order
	set mapset.Set[peers.ID] // the peers named by To or Except
}

// Broadcast targets every peer connected when the event is fired.
var Broadcast = Target{all: true}

// To targets only the specified peers. Peers that are not connected when the
// event is fired are skipped.
func To(ids ...peers.ID) Target {
	seen := mapset.New[peers.ID]()
	var uniq []peers.ID
	for _, id := range ids {
		if !seen.Has(id) {
			seen.Add(id)
			uniq = append(uniq, id)
		}
	}
	return Target{ids: uniq, set: seen}
}

// Except targets every connected peer other than the specified ones.
func Except(ids ...peers.ID) Target { return Target{all: true, set: mapset.New(ids...)} }

// resolve returns the peers selected by t, given the currently connected
// peers in connect order.
func (t Target) resolve(connected []peers.ID) []peers.ID {
	if !t.all {
		return t.ids
	}
	return slices.DeleteFunc(connected, t.set.Has)
}
