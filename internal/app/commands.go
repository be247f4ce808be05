package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"grabbot/internal/admission"
	"grabbot/internal/quota"
	"grabbot/internal/storage"
	"grabbot/internal/transport"
	logx "grabbot/pkg/logx"
)

// dispatchLoop consumes inbound updates and routes commands. Handlers run
// inline; admission is cheap and the heavy work happens in the pool.
func (a *App) dispatchLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u, ok := <-a.updates:
			if !ok {
				return nil
			}
			if u.Kind != transport.UpdateMessage || u.Message == nil {
				continue
			}
			a.handleMessage(ctx, u.Message)
		}
	}
}

func (a *App) handleMessage(ctx context.Context, msg *transport.Message) {
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}
	cmd, args := splitCommand(text)

	to := transport.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}
	switch cmd {
	case "/start":
		a.cmdStart(ctx, msg, to, args)
	case "/dl":
		a.cmdDownload(ctx, msg, to, args)
	case "/status":
		a.cmdStatus(ctx, msg, to)
	case "/premium":
		a.cmdPremium(ctx, msg, to)
	default:
		// Unknown commands are ignored; the bot may share group chats.
	}
}

// splitCommand strips a trailing @botname and separates arguments.
func splitCommand(text string) (string, []string) {
	parts := strings.Fields(text)
	cmd := parts[0]
	if i := strings.IndexByte(cmd, '@'); i > 0 {
		cmd = cmd[:i]
	}
	return strings.ToLower(cmd), parts[1:]
}

func (a *App) cmdStart(ctx context.Context, msg *transport.Message, to transport.ChatTarget, args []string) {
	// Referral payloads only count for first contact; an existing record means
	// the link was already used or the user signed up on their own.
	_, getErr := a.store.GetUser(ctx, msg.FromID)
	isNew := errors.Is(getErr, storage.ErrNotFound)

	if _, err := a.store.EnsureUser(ctx, msg.FromID, msg.FromUsername); err != nil {
		a.log.Warn("ensure user failed", logx.Int64("user", msg.FromID), logx.Err(err))
	}
	if isNew && len(args) > 0 {
		a.creditReferrer(ctx, msg.FromID, args[0])
	}

	a.reply(ctx, to,
		"Send /dl <url> [audio|video] to download media.\n"+
			"/status shows your quota and balance, /premium explains the premium tier.")
}

func (a *App) creditReferrer(ctx context.Context, newUserID int64, payload string) {
	payload = strings.TrimPrefix(payload, "ref_")
	referrerID, err := strconv.ParseInt(payload, 10, 64)
	if err != nil || referrerID == newUserID || referrerID <= 0 {
		return
	}
	amount, err := a.ledger.CreditReferral(ctx, referrerID)
	if err != nil {
		// Unknown referrer ids land here; nothing to do.
		a.log.Debug("referral credit skipped", logx.Int64("referrer", referrerID), logx.Err(err))
		return
	}
	a.log.Info("referral credited",
		logx.Int64("referrer", referrerID), logx.Int64("new_user", newUserID),
		logx.Int64("amount", amount))
}

func (a *App) cmdDownload(ctx context.Context, msg *transport.Message, to transport.ChatTarget, args []string) {
	if len(args) == 0 {
		a.reply(ctx, to, "Usage: /dl <url> [audio|video]")
		return
	}
	variant := ""
	if len(args) > 1 {
		variant = strings.ToLower(args[1])
	}

	job, err := a.admitter.Admit(ctx, admission.Request{
		UserID:   msg.FromID,
		Username: msg.FromUsername,
		RawURL:   args[0],
		Variant:  variant,
		Chat:     to,
	})
	if err != nil {
		a.reply(ctx, to, renderAdmitError(err))
		return
	}
	a.reply(ctx, to, fmt.Sprintf("Queued as #%d. You'll get progress updates here.", job.ID))
}

func renderAdmitError(err error) string {
	switch {
	case errors.Is(err, quota.ErrExceeded):
		return "Daily download limit reached. It resets at midnight, or go premium for unlimited downloads."
	case errors.Is(err, admission.ErrUpgradeRequired):
		return "Video from this source is premium-only. The audio variant is free: /dl <url> audio"
	case errors.Is(err, admission.ErrUnsupportedSource):
		return "That doesn't look like a downloadable link. Send a direct http(s) URL."
	case errors.Is(err, admission.ErrBusy):
		return "Too many downloads queued right now, try again in a minute."
	case errors.Is(err, admission.ErrShuttingDown):
		return "The bot is restarting, try again in a moment."
	default:
		return "Could not queue that download, try again later."
	}
}

func (a *App) cmdStatus(ctx context.Context, msg *transport.Message, to transport.ChatTarget) {
	u, err := a.store.EnsureUser(ctx, msg.FromID, msg.FromUsername)
	if err != nil {
		a.reply(ctx, to, "Status is unavailable right now.")
		return
	}
	if u, err = a.tracker.Reconcile(ctx, msg.FromID); err != nil {
		a.reply(ctx, to, "Status is unavailable right now.")
		return
	}

	lim := a.tracker.Limits()
	var b strings.Builder
	if u.IsPremium(a.tracker.Now()) {
		b.WriteString("Tier: premium (no daily limits)\n")
	} else {
		fmt.Fprintf(&b, "Today: %d/%d downloads, %d/%d from the restricted source\n",
			u.DailyCount, lim.Daily, u.TubeCount, lim.Tube)
	}
	fmt.Fprintf(&b, "Balance: %d points\nLifetime downloads: %d", u.Balance, u.TotalDownloads)
	a.reply(ctx, to, b.String())
}

func (a *App) cmdPremium(ctx context.Context, msg *transport.Message, to transport.ChatTarget) {
	u, err := a.store.EnsureUser(ctx, msg.FromID, msg.FromUsername)
	if err == nil && u.IsPremium(a.tracker.Now()) {
		if u.PremiumUntil.IsZero() {
			a.reply(ctx, to, "You are premium.")
		} else {
			a.reply(ctx, to, fmt.Sprintf("You are premium until %s.", u.PremiumUntil.Format(storage.DateLayout)))
		}
		return
	}
	a.reply(ctx, to,
		"Premium removes the daily limits, unlocks restricted-source video "+
			"and skips the queue. Earn points with every download and referral.")
}

func (a *App) reply(ctx context.Context, to transport.ChatTarget, text string) {
	if _, err := a.adapter.SendText(ctx, to, text, nil); err != nil {
		a.log.Warn("reply failed", logx.Int64("chat", to.ChatID), logx.Err(err))
	}
}
