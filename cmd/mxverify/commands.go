// Copyright (c) 2024 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"
	"github.com/skip2/go-qrcode"

	"maunium.net/go/mxverify/crypto/verification"
	"maunium.net/go/mxverify/event"
	"maunium.net/go/mxverify/id"
)

const qrSizePx = 512

type commandHandler struct {
	Args string
	Help string
	Func func(ctx context.Context, app *App, args []string) error
}

var errUsage = errors.New("invalid usage")

var commands map[string]*commandHandler

func init() {
	commands = map[string]*commandHandler{
		"help":          {Help: "Show this help", Func: cmdHelp},
		"devices":       {Args: "<user ID>", Help: "List known devices of a user", Func: cmdDevices},
		"add-device":    {Args: "<user ID> <device ID> <signing key>", Help: "Add the signing key of a device", Func: cmdAddDevice},
		"remove-device": {Args: "<user ID> <device ID>", Help: "Forget a device and its trust state", Func: cmdRemoveDevice},
		"add-master":    {Args: "<user ID> <master key> [trusted]", Help: "Add the master key of a user", Func: cmdAddMasterKey},
		"create-room":   {Args: "<user ID>...", Help: "Create a room with the given users", Func: cmdCreateRoom},
		"request":       {Args: "<user ID> [device ID]...", Help: "Request verification with another user's devices", Func: cmdRequest},
		"request-room":  {Args: "<user ID> <room ID>", Help: "Request verification in a room", Func: cmdRequestInRoom},
		"request-self":  {Help: "Request verification with our other devices", Func: cmdRequestSelf},
		"list":          {Args: "[user ID]", Help: "List verification requests", Func: cmdList},
		"ready":         {Args: "<user ID> <txn ID>", Help: "Accept an incoming request", Func: cmdReady},
		"sas":           {Args: "<user ID> <txn ID>", Help: "Start emoji verification", Func: cmdStartSAS},
		"confirm":       {Args: "<user ID> <txn ID>", Help: "Confirm that the emojis match", Func: cmdConfirm},
		"mismatch":      {Args: "<user ID> <txn ID>", Help: "Reject the emojis", Func: cmdMismatch},
		"qr":            {Args: "<user ID> <txn ID> [file]", Help: "Save our QR code as a PNG and print its payload", Func: cmdShowQR},
		"scan":          {Args: "<user ID> <txn ID> <base64 payload>", Help: "Use the payload of the other device's QR code", Func: cmdScan},
		"scanned":       {Args: "<user ID> <txn ID>", Help: "Confirm that the other device scanned our QR code", Func: cmdScanned},
		"not-scanned":   {Args: "<user ID> <txn ID>", Help: "Deny that the other device scanned our QR code", Func: cmdNotScanned},
		"cancel":        {Args: "<user ID> <txn ID>", Help: "Cancel a request", Func: cmdCancel},
		"verify-device": {Args: "<user ID> <device ID>", Help: "Mark a device as verified without interactive verification", Func: cmdVerifyDevice},
		"stats":         {Help: "Show verification statistics", Func: cmdStats},
	}
}

func (app *App) readCommands(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = app.RL.Close()
	}()
	for {
		line, err := app.RL.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		} else if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return io.EOF
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		} else if fields[0] == "quit" || fields[0] == "exit" {
			return io.EOF
		}
		handler, ok := commands[fields[0]]
		if !ok {
			app.printf("Unknown command %q, use help to list commands", fields[0])
			continue
		}
		err = handler.Func(ctx, app, fields[1:])
		if errors.Is(err, errUsage) {
			app.printf("Usage: %s %s", fields[0], handler.Args)
		} else if err != nil {
			app.printf("Error: %v", err)
		}
	}
}

func (app *App) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(app.RL.Stdout(), format+"\n", args...)
}

func cmdHelp(_ context.Context, app *App, _ []string) error {
	for name, handler := range commands {
		app.printf("%s %s - %s", name, handler.Args, handler.Help)
	}
	app.printf("quit - Exit")
	return nil
}

func cmdDevices(ctx context.Context, app *App, args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	devices, err := app.Store.GetDevices(ctx, id.UserID(args[0]))
	if err != nil {
		return err
	}
	masterKey, masterTrust, err := app.Store.GetMasterKey(ctx, id.UserID(args[0]))
	if err != nil {
		return err
	} else if masterKey != "" {
		app.printf("Master key %s (%s)", masterKey.Fingerprint(), masterTrust)
	}
	for _, device := range devices {
		app.printf("%s: %s (%s)", device.DeviceID, device.SigningKey.Fingerprint(), device.Trust)
	}
	return nil
}

func cmdAddDevice(ctx context.Context, app *App, args []string) error {
	if len(args) != 3 {
		return errUsage
	}
	return app.Store.PutDevice(ctx, id.Device{
		UserID:     id.UserID(args[0]),
		DeviceID:   id.DeviceID(args[1]),
		SigningKey: id.Ed25519(args[2]),
	})
}

func cmdRemoveDevice(ctx context.Context, app *App, args []string) error {
	if len(args) != 2 {
		return errUsage
	} else if id.UserID(args[0]) == app.Config.Account.UserID && id.DeviceID(args[1]) == app.Config.Account.DeviceID {
		return errors.New("can't remove own device")
	}
	return app.Store.DeleteDevice(ctx, id.UserID(args[0]), id.DeviceID(args[1]))
}

func cmdAddMasterKey(ctx context.Context, app *App, args []string) error {
	if len(args) < 2 || len(args) > 3 {
		return errUsage
	}
	trust := id.TrustStateUnset
	if len(args) == 3 && args[2] == "trusted" {
		trust = id.TrustStateCrossSigned
	}
	return app.Store.PutMasterKey(ctx, id.UserID(args[0]), id.Ed25519(args[1]), trust)
}

func cmdCreateRoom(ctx context.Context, app *App, args []string) error {
	if len(args) == 0 {
		return errUsage
	}
	invite := make([]id.UserID, len(args))
	for i, arg := range args {
		invite[i] = id.UserID(arg)
	}
	roomID, err := app.Client.CreateRoom(ctx, invite...)
	if err != nil {
		return err
	}
	app.printf("Created room %s", roomID)
	return nil
}

func cmdRequest(ctx context.Context, app *App, args []string) error {
	if len(args) == 0 {
		return errUsage
	}
	var deviceIDs []id.DeviceID
	for _, arg := range args[1:] {
		deviceIDs = append(deviceIDs, id.DeviceID(arg))
	}
	req, err := app.Service.RequestDeviceVerification(ctx, nil, id.UserID(args[0]), deviceIDs)
	if err != nil {
		return err
	}
	app.printf("Sent request %s", req.TransactionID)
	return nil
}

func cmdRequestInRoom(ctx context.Context, app *App, args []string) error {
	if len(args) != 2 {
		return errUsage
	}
	req, err := app.Service.RequestInDirectMessage(ctx, nil, id.UserID(args[0]), id.RoomID(args[1]))
	if err != nil {
		return err
	}
	app.printf("Sent request %s", req.TransactionID)
	return nil
}

func cmdRequestSelf(ctx context.Context, app *App, _ []string) error {
	req, err := app.Service.RequestSelfVerification(ctx, nil)
	if err != nil {
		return err
	}
	app.printf("Sent request %s", req.TransactionID)
	return nil
}

func cmdList(_ context.Context, app *App, args []string) error {
	userID := app.Config.Account.UserID
	if len(args) > 0 {
		userID = id.UserID(args[0])
	}
	for _, req := range app.Service.GetExistingVerificationRequests(userID) {
		app.printf("%s", describeRequest(req))
	}
	return nil
}

func describeRequest(req verification.PendingRequest) string {
	var status string
	switch {
	case req.IsSuccessful:
		status = "verified"
	case req.CancelConclusion != "":
		status = "cancelled: " + string(req.CancelConclusion)
	case req.HandledByOtherSession:
		status = "handled by another session"
	case req.IsReady():
		status = "ready"
	default:
		status = "waiting"
	}
	direction := "outgoing"
	if req.IsIncoming {
		direction = "incoming"
	}
	return fmt.Sprintf("%s %s with %s/%s: %s", direction, req.TransactionID, req.OtherUserID, req.OtherDeviceID, status)
}

func txnArgs(args []string, minArgs int) (id.UserID, id.VerificationTransactionID, error) {
	if len(args) < minArgs {
		return "", "", errUsage
	}
	return id.UserID(args[0]), id.VerificationTransactionID(args[1]), nil
}

func boolResult(ok bool, action string) error {
	if !ok {
		return fmt.Errorf("couldn't %s, check the logs for details", action)
	}
	return nil
}

func cmdReady(ctx context.Context, app *App, args []string) error {
	userID, txnID, err := txnArgs(args, 2)
	if err != nil {
		return err
	}
	return boolResult(app.Service.Ready(ctx, nil, userID, txnID), "accept request")
}

func cmdStartSAS(ctx context.Context, app *App, args []string) error {
	userID, txnID, err := txnArgs(args, 2)
	if err != nil {
		return err
	}
	_, ok := app.Service.BeginKeyVerification(ctx, event.VerificationMethodSAS, userID, txnID)
	return boolResult(ok, "start emoji verification")
}

func cmdConfirm(ctx context.Context, app *App, args []string) error {
	userID, txnID, err := txnArgs(args, 2)
	if err != nil {
		return err
	}
	return boolResult(app.Service.UserHasVerifiedShortCode(ctx, userID, txnID), "confirm short code")
}

func cmdMismatch(ctx context.Context, app *App, args []string) error {
	userID, txnID, err := txnArgs(args, 2)
	if err != nil {
		return err
	}
	return boolResult(app.Service.ShortCodeDoesNotMatch(ctx, userID, txnID), "reject short code")
}

func cmdShowQR(_ context.Context, app *App, args []string) error {
	userID, txnID, err := txnArgs(args, 2)
	if err != nil {
		return err
	}
	req, ok := app.Service.GetExistingVerificationRequest(userID, txnID)
	if !ok {
		return verification.ErrUnknownVerificationRequest
	} else if len(req.QRCode) == 0 {
		return errors.New("no QR code available for this request")
	}
	fileName := fmt.Sprintf("qr-%s.png", txnID)
	if len(args) > 2 {
		fileName = args[2]
	}
	err = qrcode.WriteFile(string(req.QRCode), qrcode.Low, qrSizePx, fileName)
	if err != nil {
		return fmt.Errorf("failed to write QR code: %w", err)
	}
	app.printf("Saved QR code to %s", fileName)
	app.printf("Payload: %s", base64.StdEncoding.EncodeToString(req.QRCode))
	return nil
}

func cmdScan(ctx context.Context, app *App, args []string) error {
	userID, txnID, err := txnArgs(args, 3)
	if err != nil {
		return err
	}
	payload, err := base64.StdEncoding.DecodeString(args[2])
	if err != nil {
		return fmt.Errorf("invalid base64: %w", err)
	}
	return app.Service.UserHasScannedOtherQRCode(ctx, userID, txnID, payload)
}

func cmdScanned(ctx context.Context, app *App, args []string) error {
	userID, txnID, err := txnArgs(args, 2)
	if err != nil {
		return err
	}
	return boolResult(app.Service.OtherUserScannedMyQRCode(ctx, userID, txnID), "confirm scan")
}

func cmdNotScanned(ctx context.Context, app *App, args []string) error {
	userID, txnID, err := txnArgs(args, 2)
	if err != nil {
		return err
	}
	return boolResult(app.Service.OtherUserDidNotScanMyQRCode(ctx, userID, txnID), "deny scan")
}

func cmdCancel(ctx context.Context, app *App, args []string) error {
	userID, txnID, err := txnArgs(args, 2)
	if err != nil {
		return err
	}
	return boolResult(app.Service.Cancel(ctx, userID, txnID), "cancel request")
}

func cmdVerifyDevice(ctx context.Context, app *App, args []string) error {
	if len(args) != 2 {
		return errUsage
	}
	return app.Service.MarkedLocallyAsManuallyVerified(ctx, id.UserID(args[0]), id.DeviceID(args[1]))
}

func cmdStats(_ context.Context, app *App, _ []string) error {
	stats := app.Service.Stats()
	app.printf("Verified with emojis: %d", stats.VerifiedBySAS)
	app.printf("Verified with QR codes: %d", stats.VerifiedByQR)
	app.printf("Verified manually: %d", stats.ManuallyVerified)
	app.printf("Cancelled by us: %d, by them: %d", stats.CancelledByMe, stats.CancelledByThem)
	app.printf("Expired unanswered: %d", stats.Expired)
	return nil
}

type printListener struct {
	app *App
}

var _ verification.Listener = (*printListener)(nil)

func (pl *printListener) RequestCreated(req verification.PendingRequest) {
	if req.IsIncoming {
		pl.app.printf("New verification request from %s/%s: %s (use `ready %s %s` to accept)",
			req.OtherUserID, req.OtherDeviceID, req.TransactionID, req.OtherUserID, req.TransactionID)
	}
}

func (pl *printListener) RequestUpdated(req verification.PendingRequest) {
	pl.app.printf("Request %s", describeRequest(req))
}

func (pl *printListener) TransactionCreated(txn verification.VerificationTransaction) {
	pl.app.printf("Started %s verification %s with %s/%s", txn.Method, txn.TransactionID, txn.OtherUserID, txn.OtherDeviceID)
}

func (pl *printListener) TransactionUpdated(txn verification.VerificationTransaction) {
	switch txn.State {
	case verification.SASStateShortCodeReady:
		emojis := make([]string, len(txn.Emojis))
		for i, emoji := range txn.Emojis {
			emojis[i] = fmt.Sprintf("%s (%s)", emoji.Emoji, emoji.Description)
		}
		pl.app.printf("Compare the short code for %s: %v", txn.TransactionID, txn.Decimals)
		if len(emojis) > 0 {
			pl.app.printf("Emojis: %s", strings.Join(emojis, " "))
		}
		pl.app.printf("Use `confirm %s %s` or `mismatch %s %s`", txn.OtherUserID, txn.TransactionID, txn.OtherUserID, txn.TransactionID)
	case verification.QRStateScannedByOther:
		pl.app.printf("%s/%s says they scanned our QR code. Use `scanned %s %s` if their device shows a success message.",
			txn.OtherUserID, txn.OtherDeviceID, txn.OtherUserID, txn.TransactionID)
	default:
		pl.app.printf("Verification %s is now %s", txn.TransactionID, txn.State)
	}
}

func (pl *printListener) MarkedAsManuallyVerified(userID id.UserID, deviceID id.DeviceID) {
	pl.app.printf("Marked %s/%s as verified", userID, deviceID)
}
