// Package handler is the operator console: one-off runs of the background
// jobs that normally fire from cron or the sync ticker.
package handler

import (
	"context"
	"errors"
	"fmt"
	"io"

	"gitlab.ozon.dev/qwestard/marketplace/internal/txsync"
)

type Sweeper interface {
	ExpireProposals(ctx context.Context) (int64, error)
	ExpireOrders(ctx context.Context) (int64, error)
}

type Syncer interface {
	RunOnce(ctx context.Context) (txsync.Report, error)
}

type Labeler interface {
	GenerateLabel(ctx context.Context, orderID string) (bool, error)
}

var ErrUnknownCommand = errors.New("unknown command, type 'help' for the list")

type Handler struct {
	sweeper Sweeper
	syncer  Syncer
	labels  Labeler
	out     io.Writer
}

func New(sweeper Sweeper, syncer Syncer, labels Labeler, out io.Writer) *Handler {
	return &Handler{sweeper: sweeper, syncer: syncer, labels: labels, out: out}
}

func (h *Handler) Execute(ctx context.Context, cmd string, args []string) error {
	commands := map[string]func(context.Context, []string) error{
		"help":             h.printHelp,
		"expire-proposals": h.handleExpireProposals,
		"expire-orders":    h.handleExpireOrders,
		"sync":             h.handleSync,
		"label":            h.handleLabel,
	}

	fn, ok := commands[cmd]
	if !ok {
		return ErrUnknownCommand
	}
	return fn(ctx, args)
}

func (h *Handler) printHelp(context.Context, []string) error {
	_, err := fmt.Fprintln(h.out, `Commands:
  help
    - print this list
  expire-proposals
    - expire pending proposals past the negotiation tolerance
  expire-orders
    - expire unpaid orders past the payment tolerance and release their items
  sync
    - poll the escrow provider, retry owed labels, close abandoned attempts
  label <orderID>
    - buy the shipping label for a paid order now`)
	return err
}

func (h *Handler) handleExpireProposals(ctx context.Context, _ []string) error {
	n, err := h.sweeper.ExpireProposals(ctx)
	if err != nil {
		return fmt.Errorf("expire-proposals: %w", err)
	}
	fmt.Fprintf(h.out, "expired %d proposals\n", n)
	return nil
}

func (h *Handler) handleExpireOrders(ctx context.Context, _ []string) error {
	n, err := h.sweeper.ExpireOrders(ctx)
	if err != nil {
		return fmt.Errorf("expire-orders: %w", err)
	}
	fmt.Fprintf(h.out, "expired %d orders\n", n)
	return nil
}

func (h *Handler) handleSync(ctx context.Context, _ []string) error {
	rep, err := h.syncer.RunOnce(ctx)
	if err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	fmt.Fprintf(h.out, "checked=%d applied=%d labels=%d compensated=%d failed=%d\n",
		rep.Checked, rep.Applied, rep.Labels, rep.Compensated, rep.Failed)
	return nil
}

func (h *Handler) handleLabel(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: label <orderID>")
	}
	bought, err := h.labels.GenerateLabel(ctx, args[0])
	if err != nil {
		return fmt.Errorf("label %s: %w", args[0], err)
	}
	if !bought {
		fmt.Fprintf(h.out, "no label bought for order %s (not owed, in progress or already generated)\n", args[0])
		return nil
	}
	fmt.Fprintf(h.out, "label for order %s bought\n", args[0])
	return nil
}
