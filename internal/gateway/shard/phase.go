// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package shard

import (
	"github.com/ManuGH/shardline/internal/fsm"
)

// Phase is the connection lifecycle stage of a shard.
type Phase string

const (
	PhaseDisconnected Phase = "disconnected"
	PhaseConnecting   Phase = "connecting"
	PhaseWaitingHello Phase = "waiting_hello"
	PhaseIdentifying  Phase = "identifying"
	PhaseResuming     Phase = "resuming"
	PhaseConnected    Phase = "connected"
	PhaseReconnecting Phase = "reconnecting"
	PhaseShutdown     Phase = "shutdown"
)

// trigger is an input of the phase machine.
type trigger string

const (
	trConnect        trigger = "connect"
	trEstablished    trigger = "established"
	trHelloIdentify  trigger = "hello_identify"
	trHelloResume    trigger = "hello_resume"
	trReady          trigger = "ready"
	trResumed        trigger = "resumed"
	trInvalidSession trigger = "invalid_session"
	trDisconnect     trigger = "disconnect"
	trShutdown       trigger = "shutdown"
)

// handshaking reports whether the phase is bounded by the handshake timeout.
func (p Phase) handshaking() bool {
	return p == PhaseWaitingHello || p == PhaseIdentifying || p == PhaseResuming
}

func transitions() []fsm.Transition[Phase, trigger] {
	table := []fsm.Transition[Phase, trigger]{
		{From: PhaseDisconnected, Event: trConnect, To: PhaseConnecting},
		{From: PhaseReconnecting, Event: trConnect, To: PhaseConnecting},
		{From: PhaseConnecting, Event: trEstablished, To: PhaseWaitingHello},
		{From: PhaseConnecting, Event: trDisconnect, To: PhaseReconnecting},
		{From: PhaseWaitingHello, Event: trHelloIdentify, To: PhaseIdentifying},
		{From: PhaseWaitingHello, Event: trHelloResume, To: PhaseResuming},
		{From: PhaseIdentifying, Event: trReady, To: PhaseConnected},
		{From: PhaseIdentifying, Event: trInvalidSession, To: PhaseIdentifying},
		{From: PhaseResuming, Event: trResumed, To: PhaseConnected},
		{From: PhaseResuming, Event: trInvalidSession, To: PhaseIdentifying},
		{From: PhaseConnected, Event: trInvalidSession, To: PhaseIdentifying},
	}
	table = append(table, fsm.FromAll(
		[]Phase{PhaseWaitingHello, PhaseIdentifying, PhaseResuming, PhaseConnected},
		trDisconnect, PhaseReconnecting)...)
	table = append(table, fsm.FromAll(
		[]Phase{PhaseDisconnected, PhaseConnecting, PhaseWaitingHello, PhaseIdentifying,
			PhaseResuming, PhaseConnected, PhaseReconnecting},
		trShutdown, PhaseShutdown)...)
	return table
}

func newPhaseMachine() *fsm.Machine[Phase, trigger] {
	m, err := fsm.New(PhaseDisconnected, transitions())
	if err != nil {
		// the table is static; a duplicate edge is a programming error
		panic(err)
	}
	return m
}
