/*
Copyright 2024-2025 Alve Capital

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package predictgate

import (
	"context"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/mailgun/holster/v4/setter"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// MembershipStatus is the raw channel-membership state reported by the
// chat platform.
type MembershipStatus string

const (
	MemberCreator       MembershipStatus = "creator"
	MemberAdministrator MembershipStatus = "administrator"
	MemberMember        MembershipStatus = "member"
	MemberRestricted    MembershipStatus = "restricted"
	MemberLeft          MembershipStatus = "left"
	MemberKicked        MembershipStatus = "kicked"
	MemberUnknown       MembershipStatus = "unknown"
)

// IsSubscribed maps membership to the gate's subscribed notion. Owners and
// admins of the channel count as subscribed. This mapping is policy; do not
// widen it without a product decision.
func (m MembershipStatus) IsSubscribed() bool {
	switch m {
	case MemberCreator, MemberAdministrator, MemberMember:
		return true
	}
	return false
}

// MessageRef identifies a sent message so it can be edited later.
type MessageRef struct {
	ChatID    int64
	MessageID int
}

// Platform is the outbound chat-platform surface the gate depends on. Every
// implementation call is expected to be routed through the AdmissionQueue
// by the caller; the Platform itself performs no rate limiting.
type Platform interface {
	GetMembershipStatus(ctx context.Context, channel string, userID int64) (MembershipStatus, error)
	SendMessage(ctx context.Context, chatID int64, text string) (MessageRef, error)
	EditMessage(ctx context.Context, ref MessageRef, text string) error
}

type TelegramPlatformConfig struct {
	Token  string
	Logger logrus.FieldLogger
}

// TelegramPlatform implements Platform on top of the Telegram bot API.
type TelegramPlatform struct {
	bot *tgbotapi.BotAPI
	log logrus.FieldLogger
}

var _ Platform = &TelegramPlatform{}

func NewTelegramPlatform(conf TelegramPlatformConfig) (*TelegramPlatform, error) {
	setter.SetDefault(&conf.Logger, logrus.WithField("category", "platform"))

	bot, err := tgbotapi.NewBotAPI(conf.Token)
	if err != nil {
		return nil, errors.Wrap(err, "while authenticating with telegram")
	}
	conf.Logger.Infof("authorized as bot @%s", bot.Self.UserName)

	return &TelegramPlatform{bot: bot, log: conf.Logger}, nil
}

// BotUsername returns the authorized bot's username, used to build referral
// links.
func (p *TelegramPlatform) BotUsername() string {
	return p.bot.Self.UserName
}

func (p *TelegramPlatform) GetMembershipStatus(ctx context.Context, channel string, userID int64) (MembershipStatus, error) {
	if err := ctx.Err(); err != nil {
		return MemberUnknown, err
	}

	member, err := p.bot.GetChatMember(tgbotapi.GetChatMemberConfig{
		ChatConfigWithUser: tgbotapi.ChatConfigWithUser{
			SuperGroupUsername: channel,
			UserID:             userID,
		},
	})
	if err != nil {
		return MemberUnknown, errors.Wrap(err, "while querying chat membership")
	}

	switch member.Status {
	case "creator":
		return MemberCreator, nil
	case "administrator":
		return MemberAdministrator, nil
	case "member":
		return MemberMember, nil
	case "restricted":
		return MemberRestricted, nil
	case "left":
		return MemberLeft, nil
	case "kicked":
		return MemberKicked, nil
	}
	return MemberUnknown, nil
}

func (p *TelegramPlatform) SendMessage(ctx context.Context, chatID int64, text string) (MessageRef, error) {
	if err := ctx.Err(); err != nil {
		return MessageRef{}, err
	}

	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	sent, err := p.bot.Send(msg)
	if err != nil {
		return MessageRef{}, errors.Wrap(err, "while sending message")
	}
	return MessageRef{ChatID: chatID, MessageID: sent.MessageID}, nil
}

func (p *TelegramPlatform) EditMessage(ctx context.Context, ref MessageRef, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	edit := tgbotapi.NewEditMessageText(ref.ChatID, ref.MessageID, text)
	edit.ParseMode = tgbotapi.ModeMarkdown
	if _, err := p.bot.Send(edit); err != nil {
		return errors.Wrap(err, "while editing message")
	}
	return nil
}

var _ Platform = &MockPlatform{}

// MockPlatform is a call-counting Platform for tests.
type MockPlatform struct {
	mu       sync.Mutex
	Statuses map[int64]MembershipStatus
	Sent     []string
	Edits    []string
	Calls    map[string]int

	// Err, when set, is returned by every method.
	Err error

	nextMessageID int
}

func NewMockPlatform() *MockPlatform {
	return &MockPlatform{
		Statuses: make(map[int64]MembershipStatus),
		Calls:    make(map[string]int),
	}
}

func (p *MockPlatform) GetMembershipStatus(ctx context.Context, channel string, userID int64) (MembershipStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls["GetMembershipStatus"]++
	if p.Err != nil {
		return MemberUnknown, p.Err
	}
	if status, ok := p.Statuses[userID]; ok {
		return status, nil
	}
	return MemberLeft, nil
}

func (p *MockPlatform) SendMessage(ctx context.Context, chatID int64, text string) (MessageRef, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls["SendMessage"]++
	if p.Err != nil {
		return MessageRef{}, p.Err
	}
	p.Sent = append(p.Sent, text)
	p.nextMessageID++
	return MessageRef{ChatID: chatID, MessageID: p.nextMessageID}, nil
}

func (p *MockPlatform) EditMessage(ctx context.Context, ref MessageRef, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls["EditMessage"]++
	if p.Err != nil {
		return p.Err
	}
	p.Edits = append(p.Edits, text)
	return nil
}

// CallCount returns how many times a method was invoked.
func (p *MockPlatform) CallCount(method string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Calls[method]
}

// SentMessages returns a copy of all sent message texts.
func (p *MockPlatform) SentMessages() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.Sent))
	copy(out, p.Sent)
	return out
}
