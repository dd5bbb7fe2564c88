// Copyright 2023 Upbound Inc
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package notify sends failure notifications. The SMTP collaborator is
// deliberately minimal; anything richer belongs behind the Notifier
// interface.
package notify

import (
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const errSend = "cannot send notification mail"

// A Notifier reports package failures to a human.
type Notifier interface {
	NotifyFailure(pkgName, stage, reason string) error
}

// Nop is a Notifier that does nothing. Used when notifications are
// disabled.
type Nop struct{}

// NotifyFailure implements Notifier.
func (Nop) NotifyFailure(string, string, string) error { return nil }

// SMTPConfig configures the mail notifier.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string
}

// An SMTPNotifier mails one plain-text message per failed package.
type SMTPNotifier struct {
	cfg SMTPConfig
	log *zap.Logger
}

// NewSMTP returns a mail-backed Notifier.
func NewSMTP(cfg SMTPConfig, log *zap.Logger) *SMTPNotifier {
	return &SMTPNotifier{cfg: cfg, log: log}
}

// NotifyFailure implements Notifier.
func (n *SMTPNotifier) NotifyFailure(pkgName, stage, reason string) error {
	subject := fmt.Sprintf("[metacam] package %s FAILED at %s", pkgName, stage)
	body := fmt.Sprintf("Package: %s\r\nStage: %s\r\nReason: %s\r\nTime: %s\r\n",
		pkgName, stage, reason, time.Now().Format(time.RFC3339))
	msg := strings.Join([]string{
		"From: " + n.cfg.From,
		"To: " + strings.Join(n.cfg.To, ", "),
		"Subject: " + subject,
		"",
		body,
	}, "\r\n")

	addr := fmt.Sprintf("%s:%d", n.cfg.Host, n.cfg.Port)
	var auth smtp.Auth
	if n.cfg.Username != "" {
		auth = smtp.PlainAuth("", n.cfg.Username, n.cfg.Password, n.cfg.Host)
	}
	if err := smtp.SendMail(addr, auth, n.cfg.From, n.cfg.To, []byte(msg)); err != nil {
		return errors.Wrap(err, errSend)
	}
	n.log.Info("sent failure notification", zap.String("package", pkgName), zap.String("stage", stage))
	return nil
}
