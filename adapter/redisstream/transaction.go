package redisstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trickstertwo/xmq"
)

// KEYS[1] half hash; KEYS[2] check counts; KEYS[3] stream.
// ARGV[1] id; ARGV[2] approx maxlen, 0 for none; ARGV[3..] field/value pairs.
// Appends only when this call removed the half entry. Returns 1 if it did.
var commitHalfScript = redis.NewScript(`
if redis.call('hdel', KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call('hdel', KEYS[2], ARGV[1])
local args = {'xadd', KEYS[3]}
if tonumber(ARGV[2]) > 0 then
	table.insert(args, 'maxlen')
	table.insert(args, '~')
	table.insert(args, ARGV[2])
end
table.insert(args, '*')
for i = 3, #ARGV do
	table.insert(args, ARGV[i])
end
redis.call(unpack(args))
return 1
`)

// KEYS[1] half hash; KEYS[2] check counts; ARGV[1] id. Returns 1 if the half
// entry was still there.
var rollbackHalfScript = redis.NewScript(`
if redis.call('hdel', KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call('hdel', KEYS[2], ARGV[1])
return 1
`)

// SendInTransaction stores msg as a half message, runs l.ExecuteLocal and
// commits or drops it per the verdict. Unknown verdicts stay half and are
// resolved by the check loop. The check loop of this transport skips the
// message while ExecuteLocal runs.
func (t *Transport) SendInTransaction(ctx context.Context, dest string, msg *xmq.Message, arg any, l xmq.TransactionListener) (xmq.SendResult, error) {
	failed := xmq.SendResult{Status: xmq.SendFailed, Partition: -1}
	if l == nil {
		return failed, errors.New("redisstream: nil transaction listener")
	}
	m, err := t.prepare(dest, msg, msg.Header(xmq.HeaderHashKey))
	if err != nil {
		return failed, err
	}

	p := park(t.streamKey(m.Topic, m.Partition), m)
	data, err := json.Marshal(p)
	if err != nil {
		return failed, fmt.Errorf("redisstream: encode half %s: %w", m.ID, err)
	}

	t.executing.Store(m.ID, struct{}{})
	if err := t.client.HSet(ctx, t.cfg.Prefix+keyHalf, m.ID, data).Err(); err != nil {
		t.executing.Delete(m.ID)
		t.metrics.publishErrors.Add(1)
		return failed, fmt.Errorf("redisstream: store half %s: %w", m.ID, err)
	}

	state, lerr := l.ExecuteLocal(ctx, m.Clone(), arg)
	if lerr != nil {
		state = xmq.TxRollback
	}
	if state == xmq.TxUnknown {
		t.listeners.Store(m.ID, l)
	}
	t.executing.Delete(m.ID)

	res := xmq.SendResult{MessageID: m.ID, Status: xmq.SendOK, Partition: m.Partition, Transaction: state}
	switch state {
	case xmq.TxCommit:
		done, err := t.commit(ctx, p)
		if err != nil {
			// the half message survives; the check loop commits it later
			t.listeners.Store(m.ID, l)
			return xmq.SendResult{MessageID: m.ID, Status: xmq.SendFailed, Partition: m.Partition, Transaction: xmq.TxUnknown}, err
		}
		if !done {
			t.logger.Warn().Str("message_id", m.ID).Msg("redisstream: half message resolved by another check-back before commit")
			res.Transaction = xmq.TxUnknown
		}
	case xmq.TxRollback:
		if _, err := t.rollback(ctx, m.ID); err != nil {
			t.logger.Warn().Str("message_id", m.ID).Err(err).Msg("redisstream: dropping half message failed")
		}
	}
	return res, nil
}

// commit appends the half message to its stream if it is still pending.
// It reports false when someone else already resolved it.
func (t *Transport) commit(ctx context.Context, p parked) (bool, error) {
	vals := encodeValues(p.message())
	argv := make([]any, 0, 2+2*len(vals))
	argv = append(argv, p.ID, strconv.FormatInt(max(t.cfg.MaxLenApprox, 0), 10))
	for k, v := range vals {
		argv = append(argv, k, v)
	}

	n, err := commitHalfScript.Run(ctx, t.client,
		[]string{t.cfg.Prefix + keyHalf, t.cfg.Prefix + keyChecks, p.Stream}, argv...).Int()
	if err != nil {
		t.metrics.publishErrors.Add(1)
		return false, fmt.Errorf("redisstream: commit %s: %w", p.ID, err)
	}
	t.listeners.Delete(p.ID)
	if n == 0 {
		return false, nil
	}
	t.metrics.committed.Add(1)
	t.metrics.published.Add(1)
	return true, nil
}

// rollback drops the half message. It reports false when it was already gone.
func (t *Transport) rollback(ctx context.Context, id string) (bool, error) {
	n, err := rollbackHalfScript.Run(ctx, t.client,
		[]string{t.cfg.Prefix + keyHalf, t.cfg.Prefix + keyChecks}, id).Int()
	if err != nil {
		return false, fmt.Errorf("redisstream: rollback %s: %w", id, err)
	}
	t.listeners.Delete(id)
	if n == 0 {
		return false, nil
	}
	t.metrics.rolledBack.Add(1)
	return true, nil
}

func (t *Transport) checkLoop(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := t.checkHalf(ctx, time.Now()); err != nil && ctx.Err() == nil {
			t.logger.Warn().Err(err).Msg("redisstream: transaction check failed")
		}
	}
}

// checkHalf asks the listeners of half messages older than CheckInterval for
// their verdict. A message without a reachable listener belongs to another
// process and is left alone, unless the configured Checker can answer.
func (t *Transport) checkHalf(ctx context.Context, now time.Time) error {
	half, err := t.client.HGetAll(ctx, t.cfg.Prefix+keyHalf).Result()
	if err != nil {
		return err
	}

	for id, data := range half {
		if _, busy := t.executing.Load(id); busy {
			continue
		}
		var p parked
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			t.logger.Warn().Str("message_id", id).Err(err).Msg("redisstream: dropping undecodable half message")
			_, _ = t.rollback(ctx, id)
			continue
		}
		if now.Sub(time.Unix(0, p.BornAt)) < t.cfg.CheckInterval {
			continue
		}

		var l xmq.TransactionListener
		if v, ok := t.listeners.Load(id); ok {
			l = v.(xmq.TransactionListener)
		} else if t.cfg.Checker != nil {
			l = t.cfg.Checker
		} else {
			continue
		}

		n, err := t.client.HIncrBy(ctx, t.cfg.Prefix+keyChecks, id, 1).Result()
		if err != nil {
			return err
		}
		if int(n) > t.cfg.MaxChecks {
			t.logger.Warn().
				Str("key", p.Key).
				Str("message_id", id).
				Msg("redisstream: transaction still unknown after max checks, rolled back")
			if _, err := t.rollback(ctx, id); err != nil {
				return err
			}
			continue
		}

		t.metrics.checks.Add(1)
		state, cerr := t.checkLocal(ctx, l, p.message())
		if cerr != nil {
			t.logger.Warn().Str("message_id", id).Err(cerr).Msg("redisstream: transaction check failed, rolling back")
			state = xmq.TxRollback
		}
		switch state {
		case xmq.TxCommit:
			if _, err := t.commit(ctx, p); err != nil {
				return err
			}
		case xmq.TxRollback:
			if _, err := t.rollback(ctx, id); err != nil {
				return err
			}
		}
	}
	return nil
}

// checkLocal runs l.CheckLocal and turns a panic into an error.
func (t *Transport) checkLocal(ctx context.Context, l xmq.TransactionListener, msg *xmq.Message) (state xmq.TransactionState, err error) {
	defer func() {
		if r := recover(); r != nil {
			state, err = xmq.TxRollback, fmt.Errorf("%w: check %s: %v", xmq.ErrHandlerPanic, msg.ID, r)
		}
	}()
	return l.CheckLocal(ctx, msg)
}
