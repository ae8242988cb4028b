package ratelimit

import (
	"context"
	"time"

	"github.com/fiscalsim/guard/internal/audit"
	"github.com/fiscalsim/guard/internal/observability"
	"github.com/fiscalsim/guard/internal/store"
)

// recordViolation counts a rate-limit violation against an IP and blocks
// the IP once violations within the rolling window reach the limit. The
// violation counter is separate from the normal rate counters.
func (rl *Limiter) recordViolation(ctx context.Context, ip string) {
	if ip == "" {
		return
	}

	rl.metrics.recordViolation()
	rl.auditLog.Log(ctx, audit.SecurityEvent(audit.ActionRateLimitViolation, audit.OutcomeDenied, "",
		map[string]interface{}{"ip": ip}).WithOrigin(ip, ""))

	cfg := rl.snapshot()
	count, err := rl.shared.IncrementWithExpiry(ctx, "violations:"+ip, 1, cfg.ViolationWindow)
	if err != nil {
		rl.logger.Warn("failed to count rate limit violation",
			observability.String("ip", ip),
			observability.Error(err))
		return
	}

	if count >= int64(cfg.ViolationLimit) {
		if err := rl.Block(ctx, ip, cfg.BlockDuration, "repeated rate limit violations"); err != nil {
			rl.logger.Warn("failed to block ip",
				observability.String("ip", ip),
				observability.Error(err))
		}
	}
}

// IsBlocked reports whether an IP is currently blocked. Store errors fail
// open, consistent with the limiter itself.
func (rl *Limiter) IsBlocked(ctx context.Context, ip string) bool {
	value, err := rl.shared.Get(ctx, "blocked:"+ip)
	if err != nil {
		if !store.IsKeyNotFound(err) {
			rl.logger.Warn("block list store unavailable, failing open",
				observability.String("ip", ip),
				observability.Error(err))
		}
		return false
	}
	return value > 0
}

// Block blocks an IP for the given duration and records the reason.
func (rl *Limiter) Block(ctx context.Context, ip string, duration time.Duration, reason string) error {
	if duration <= 0 {
		duration = rl.snapshot().BlockDuration
	}

	if err := rl.shared.Set(ctx, "blocked:"+ip, 1, duration); err != nil {
		return err
	}

	rl.metrics.recordBlock()
	rl.auditLog.Log(ctx, audit.SecurityEvent(audit.ActionIPBlocked, audit.OutcomeDenied, "",
		map[string]interface{}{
			"ip":       ip,
			"reason":   reason,
			"duration": duration.String(),
		}).WithOrigin(ip, ""))
	rl.logger.Warn("ip blocked",
		observability.String("ip", ip),
		observability.String("reason", reason),
		observability.Duration("duration", duration))
	return nil
}

// Unblock lifts a block and clears the violation counter so a fresh
// violation streak is required before the next block.
func (rl *Limiter) Unblock(ctx context.Context, ip string) error {
	if err := rl.shared.Delete(ctx, "blocked:"+ip); err != nil {
		return err
	}
	if err := rl.shared.Delete(ctx, "violations:"+ip); err != nil {
		return err
	}

	rl.logger.Info("ip unblocked", observability.String("ip", ip))
	return nil
}
