// Package otp issues and verifies one-time phone verification codes.
package otp

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type Status string

const (
	StatusVerified Status = "verified"
	StatusInvalid  Status = "invalid"
	StatusExpired  Status = "expired"
	StatusLocked   Status = "locked"
	StatusError    Status = "error"
)

type SendResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type VerifyResult struct {
	Status  Status `json:"status"`
	Message string `json:"message"`
}

type Config struct {
	AppName     string
	Length      int
	TTL         time.Duration
	MaxAttempts int
	// SendsPerMinute bounds deliveries per phone number.
	SendsPerMinute int
}

func (c Config) withDefaults() Config {
	if c.AppName == "" {
		c.AppName = "AmbiDispatch"
	}
	if c.Length <= 0 {
		c.Length = 6
	}
	if c.TTL <= 0 {
		c.TTL = 5 * time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.SendsPerMinute <= 0 {
		c.SendsPerMinute = 3
	}
	return c
}

// Provider generates codes, stores them with expiry and delivers them by SMS.
type Provider struct {
	cfg    Config
	codes  CodeStore
	sender Sender
	logger *zap.Logger

	now func() time.Time

	mu        sync.Mutex
	limiters  map[string]*phoneLimiter
	lastSweep time.Time
}

type phoneLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// limiterIdle is how long a phone's limiter survives without sends. A full
// bucket refills within a minute, so dropping it after that loses nothing.
const limiterIdle = 2 * time.Minute

func NewProvider(cfg Config, codes CodeStore, sender Sender, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		cfg:      cfg.withDefaults(),
		codes:    codes,
		sender:   sender,
		logger:   logger,
		now:      time.Now,
		limiters: make(map[string]*phoneLimiter),
	}
}

// allow spends one send token for phone and evicts limiters idle past
// limiterIdle.
func (p *Provider) allow(phone string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	if now.Sub(p.lastSweep) >= limiterIdle {
		for k, l := range p.limiters {
			if now.Sub(l.lastSeen) >= limiterIdle {
				delete(p.limiters, k)
			}
		}
		p.lastSweep = now
	}
	l, ok := p.limiters[phone]
	if !ok {
		n := p.cfg.SendsPerMinute
		l = &phoneLimiter{limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(n)), n)}
		p.limiters[phone] = l
	}
	l.lastSeen = now
	return l.limiter.AllowN(now, 1)
}

func (p *Provider) trackedPhones() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.limiters)
}

// Send issues a fresh code for purpose+phone, replacing any pending one.
func (p *Provider) Send(ctx context.Context, purpose, phone string) SendResult {
	if !p.allow(phone) {
		p.logger.Warn("otp send rate limited", zap.String("purpose", purpose))
		return SendResult{Message: "Too many OTP requests. Please wait before retrying."}
	}

	code, err := generateCode(p.cfg.Length)
	if err != nil {
		p.logger.Error("otp generation failed", zap.Error(err))
		return SendResult{Message: "Failed to generate OTP"}
	}
	if err := p.codes.Put(ctx, Key(purpose, phone), code, p.cfg.TTL); err != nil {
		p.logger.Error("otp store failed", zap.String("purpose", purpose), zap.Error(err))
		return SendResult{Message: "Failed to send OTP"}
	}

	body := fmt.Sprintf("[%s] Your verification code is: %s. Valid for %d minutes.",
		p.cfg.AppName, code, int(p.cfg.TTL/time.Minute))
	if err := p.sender.Send(ctx, phone, body); err != nil {
		p.logger.Error("otp delivery failed",
			zap.String("sender", p.sender.Name()),
			zap.String("purpose", purpose),
			zap.Error(err),
		)
		return SendResult{Message: "Failed to send OTP: " + err.Error()}
	}
	p.logger.Info("otp sent", zap.String("sender", p.sender.Name()), zap.String("purpose", purpose))
	return SendResult{Success: true, Message: "OTP sent successfully"}
}

// Verify checks code against the pending one. A match consumes the code; too
// many wrong guesses burn it.
func (p *Provider) Verify(ctx context.Context, purpose, phone, code string) VerifyResult {
	key := Key(purpose, phone)
	rec, ok, err := p.codes.Get(ctx, key)
	if err != nil {
		p.logger.Error("otp lookup failed", zap.String("purpose", purpose), zap.Error(err))
		return VerifyResult{Status: StatusError, Message: "Verification is temporarily unavailable."}
	}
	if !ok {
		return VerifyResult{Status: StatusExpired, Message: "No pending OTP found or it has expired. Please request a new one."}
	}

	if rec.Code == code {
		if err := p.codes.Delete(ctx, key); err != nil {
			p.logger.Warn("otp delete failed", zap.String("purpose", purpose), zap.Error(err))
		}
		return VerifyResult{Status: StatusVerified, Message: "OTP verified successfully"}
	}

	attempts, err := p.codes.RecordFailure(ctx, key)
	if errors.Is(err, errExpired) {
		return VerifyResult{Status: StatusExpired, Message: "No pending OTP found or it has expired. Please request a new one."}
	}
	if err != nil {
		p.logger.Warn("otp attempt not recorded", zap.String("purpose", purpose), zap.Error(err))
	}
	if attempts >= p.cfg.MaxAttempts {
		_ = p.codes.Delete(ctx, key)
		return VerifyResult{Status: StatusLocked, Message: "Too many invalid attempts. Please request a new code."}
	}
	return VerifyResult{Status: StatusInvalid, Message: "Invalid OTP code."}
}

func generateCode(length int) (string, error) {
	digits := make([]byte, length)
	for i := range digits {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", err
		}
		digits[i] = byte('0' + n.Int64())
	}
	return string(digits), nil
}
