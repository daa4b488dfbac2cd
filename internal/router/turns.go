package router

import (
	"context"

	"github.com/real-rm/chatgateway/internal/constants"
	chaterrors "github.com/real-rm/chatgateway/internal/errors"
	"github.com/real-rm/chatgateway/internal/registry"
	"github.com/real-rm/chatgateway/internal/util"
)

// turnQueue holds the pending assistant turns of one connection. A single
// worker drains it, so turns of a connection run one after another and
// their tokens never interleave.
type turnQueue chan func()

// enqueueTurn schedules job on conn's worker, starting the worker on first
// use. It fails when the router is shutting down or the queue is full.
func (mr *MessageRouter) enqueueTurn(conn registry.Conn, job func()) error {
	mr.turnsMu.Lock()
	defer mr.turnsMu.Unlock()

	// No else needed: early return pattern (guard clause)
	if mr.ctx.Err() != nil {
		return chaterrors.ErrBusy(constants.CloseReasonShutdown)
	}

	q, ok := mr.turns[conn.ID()]
	if !ok {
		q = make(turnQueue, constants.TurnQueueSize)
		mr.turns[conn.ID()] = q
		mr.workers.Add(1)
		util.SafeGo(mr.logger, "turnWorker", func() {
			defer mr.workers.Done()
			mr.runTurns(conn, q)
		})
	}

	mr.pending.Add(1)
	select {
	case q <- job:
		return nil
	default:
		mr.pending.Add(-1)
		return chaterrors.ErrBusy(constants.ErrMsgReplyBacklog)
	}
}

// runTurns is the per-connection worker. It stops when the connection goes
// away or the router shuts down; turns still queued then are dropped.
func (mr *MessageRouter) runTurns(conn registry.Conn, q turnQueue) {
	defer mr.retireQueue(conn.ID(), q)

	for {
		select {
		case <-conn.Done():
			return
		case <-mr.ctx.Done():
			return
		case job := <-q:
			mr.runTurn(job)
		}
	}
}

func (mr *MessageRouter) runTurn(job func()) {
	defer mr.pending.Add(-1)
	defer util.Recover(mr.logger, "turn")

	// No else needed: early return pattern (guard clause)
	if mr.ctx.Err() != nil {
		return
	}
	job()
}

// retireQueue unlinks q so the next turn of the connection starts a fresh
// worker, then discards what is left in it
func (mr *MessageRouter) retireQueue(connID string, q turnQueue) {
	mr.turnsMu.Lock()
	if mr.turns[connID] == q {
		delete(mr.turns, connID)
	}
	mr.turnsMu.Unlock()

	for {
		select {
		case <-q:
			mr.pending.Add(-1)
		default:
			return
		}
	}
}

// Wait blocks until every turn worker has exited or ctx ends. Call it after
// Shutdown to let cancelled turns persist their partial replies.
func (mr *MessageRouter) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		mr.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
