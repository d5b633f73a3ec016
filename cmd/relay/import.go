package main

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	mboxlib "github.com/emersion/go-mbox"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/rbaliyan/relay"
	"github.com/spf13/cobra"
)

// importResult counts what an mbox import did.
type importResult struct {
	Received int
	Skipped  int
}

// importMbox records every message of an mbox stream as inbound mail.
// Messages keep their Message-Id as the provider id, so importing the same
// file twice records nothing new.
func importMbox(ctx context.Context, r io.Reader, in relay.Inbound, inbox string, logger *slog.Logger) (importResult, error) {
	var res importResult
	reader := mboxlib.NewReader(r)
	for idx := 0; ; idx++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		msgReader, err := reader.NextMessage()
		if errors.Is(err, io.EOF) {
			return res, nil
		}
		if err != nil {
			return res, fmt.Errorf("message %d: %w", idx, err)
		}
		raw, err := io.ReadAll(msgReader)
		if err != nil {
			return res, fmt.Errorf("message %d read: %w", idx, err)
		}

		email, err := inboundFromRaw(raw, inbox)
		if err != nil {
			logger.Warn("skipping mbox message", "index", idx, "error", err)
			res.Skipped++
			continue
		}
		if _, err := in.Receive(ctx, email); err != nil {
			if relay.IsTransient(err) {
				return res, fmt.Errorf("message %d receive: %w", idx, err)
			}
			logger.Warn("skipping mbox message", "index", idx, "error", err)
			res.Skipped++
			continue
		}
		res.Received++
	}
}

func inboundFromRaw(raw []byte, inbox string) (relay.InboundEmail, error) {
	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return relay.InboundEmail{}, fmt.Errorf("parse header: %w", err)
	}
	h := mail.Header{Header: entity.Header}

	to := inbox
	if to == "" {
		for _, key := range []string{"Delivered-To", "To"} {
			if list, err := h.AddressList(key); err == nil && len(list) > 0 {
				to = list[0].Address
				break
			}
		}
	}
	if to == "" {
		return relay.InboundEmail{}, errors.New("no recipient")
	}

	subject, _ := h.Subject()
	id, _ := h.MessageID()
	if id == "" {
		sum := sha256.Sum256(raw)
		id = "mbox-" + hex.EncodeToString(sum[:16])
	}

	return relay.InboundEmail{
		ProviderMessageID: id,
		From:              h.Get("From"),
		To:                to,
		Subject:           subject,
		Raw:               raw,
	}, nil
}

func newImportCmd() *cobra.Command {
	var inbox string
	cmd := &cobra.Command{
		Use:   "import <mbox-file>",
		Short: "Record the messages of an mbox file as inbound mail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open mbox: %w", err)
			}
			defer f.Close()

			return withApp(cmd, false, func(ctx context.Context, a *app) error {
				res, err := importMbox(ctx, f, a.svc, inbox, a.logger)
				fmt.Fprintf(cmd.OutOrStdout(), "received %d, skipped %d\n", res.Received, res.Skipped)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&inbox, "inbox", "", "receiving address; defaults to each message's recipient")
	return cmd
}
