package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"consentbot-go/internal/authflow"
	"consentbot-go/internal/graph"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

// Service adapts the auth flow to the Telegram Bot API: it delivers inbound
// messages to the controller and renders the controller's effects (text
// replies, the consent prompt) back to the chat.
type Service struct {
	bot     *tgbotapi.BotAPI
	flows   *authflow.Controller
	graph   *graph.Service
	baseURL string
	logger  zerolog.Logger
}

// NewService creates a Telegram Service.
func NewService(botToken, baseURL string, flows *authflow.Controller, graphSvc *graph.Service, logger zerolog.Logger) (*Service, error) {
	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("connecting to telegram: %w", err)
	}

	logger.Info().Str("account", bot.Self.UserName).Msg("authorized on telegram")

	return &Service{
		bot:     bot,
		flows:   flows,
		graph:   graphSvc,
		baseURL: baseURL,
		logger:  logger,
	}, nil
}

// Run starts a long-polling loop and dispatches updates until ctx is
// cancelled. It should be run in its own goroutine.
func (s *Service) Run(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := s.bot.GetUpdatesChan(u)
	for {
		select {
		case <-ctx.Done():
			s.bot.StopReceivingUpdates()
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.Message == nil {
				continue
			}
			s.handleMessage(ctx, update.Message)
		}
	}
}

// SendText delivers a plain text message to the chat identified by addr.
// Used by the HTTP side to notify the user of transitions it triggered.
func (s *Service) SendText(addr authflow.Address, text string) error {
	chatID, err := strconv.ParseInt(addr.ConversationID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid conversation id %q: %w", addr.ConversationID, err)
	}
	_, err = s.bot.Send(tgbotapi.NewMessage(chatID, text))
	return err
}

func (s *Service) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	addr := addressFor(msg)

	if msg.IsCommand() {
		switch msg.Command() {
		case "start", "help":
			s.reply(msg, helpText)
		case "login":
			s.handleLogin(ctx, msg, addr)
		case "logout":
			s.handleLogout(ctx, msg, addr)
		case "profile":
			s.handleProfile(ctx, msg, addr)
		case "sendmail":
			s.handleSendMail(ctx, msg, addr)
		default:
			s.reply(msg, "I didn't understand that command. Try /help.")
		}
		return
	}

	// Free text: when a token is pending verification, scan the message for
	// the code the browser page showed the user.
	pending, err := s.flows.PendingVerification(ctx, addr)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to check pending verification")
		s.reply(msg, genericErrorText)
		return
	}
	if pending {
		s.handleVerificationCode(ctx, msg, addr)
		return
	}
	s.reply(msg, "I didn't understand. Try /help.")
}

const (
	helpText = "I can send email on your behalf once you sign in.\n" +
		"/login - sign in to your account\n" +
		"/logout - sign out\n" +
		"/profile - show your profile\n" +
		"/sendmail <to> <subject> - send a short email"
	genericErrorText = "Sorry, something went wrong. Please try again."
)

func (s *Service) handleLogin(ctx context.Context, msg *tgbotapi.Message, addr authflow.Address) {
	display := s.flows.Provider().DisplayName()

	res, err := s.flows.StartLogin(ctx, addr, s.baseURL)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to start login")
		s.reply(msg, genericErrorText)
		return
	}
	if res.AlreadySignedIn {
		s.reply(msg, fmt.Sprintf("You're already signed in to %s.", display))
		return
	}

	prompt := tgbotapi.NewMessage(msg.Chat.ID,
		"To be able to send an email on your behalf, I need your consent. Can you please sign in?")
	prompt.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonURL(fmt.Sprintf("Sign in to %s", display), res.SignInURL),
		),
	)
	if _, err := s.bot.Send(prompt); err != nil {
		s.logger.Error().Err(err).Msg("failed to send consent prompt")
	}
}

func (s *Service) handleLogout(ctx context.Context, msg *tgbotapi.Message, addr authflow.Address) {
	display := s.flows.Provider().DisplayName()

	signedOut, err := s.flows.Logout(ctx, addr)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to log out")
		s.reply(msg, genericErrorText)
		return
	}
	if signedOut {
		s.reply(msg, fmt.Sprintf("You're now signed out of %s.", display))
	} else {
		s.reply(msg, fmt.Sprintf("You're already signed out of %s.", display))
	}
}

func (s *Service) handleVerificationCode(ctx context.Context, msg *tgbotapi.Message, addr authflow.Address) {
	display := s.flows.Provider().DisplayName()

	outcome, err := s.flows.ConfirmVerification(ctx, addr, msg.Text)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to confirm verification code")
		s.reply(msg, genericErrorText)
		return
	}

	switch outcome {
	case authflow.ConfirmedSignedIn:
		s.reply(msg, fmt.Sprintf("You're now signed in to %s.", display))
		s.handleProfile(ctx, msg, addr)
	case authflow.ConfirmIgnoredReplay:
		s.reply(msg, fmt.Sprintf("You're already signed in to %s.", display))
	default:
		s.reply(msg, fmt.Sprintf("Sorry, there was an error signing in to %s. Please try again with /login.", display))
	}
}

func (s *Service) handleProfile(ctx context.Context, msg *tgbotapi.Message, addr authflow.Address) {
	tok, err := s.flows.ValidToken(ctx, addr)
	if err != nil {
		s.replySignInError(msg, err)
		return
	}

	profile, err := s.graph.Profile(ctx, tok.AccessToken)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to fetch profile")
		s.reply(msg, "Your consent seems to be unavailable, please sign in again with /login.")
		return
	}
	s.reply(msg, formatProfile(profile))
}

func (s *Service) handleSendMail(ctx context.Context, msg *tgbotapi.Message, addr authflow.Address) {
	to, subject, ok := parseSendMailArgs(msg.CommandArguments())
	if !ok {
		s.reply(msg, "Usage: /sendmail <to> <subject>")
		return
	}

	tok, err := s.flows.ValidToken(ctx, addr)
	if err != nil {
		s.replySignInError(msg, err)
		return
	}

	mail := graph.Mail{
		To:      to,
		Subject: subject,
		Body:    "This message was sent on your behalf by your consent bot.",
	}
	if err := s.graph.SendMail(ctx, tok.AccessToken, mail); err != nil {
		s.logger.Error().Err(err).Msg("failed to send mail")
		s.reply(msg, "Sorry, I couldn't send that email. Please try again.")
		return
	}
	s.reply(msg, fmt.Sprintf("Email sent to %s.", to))
}

func (s *Service) replySignInError(msg *tgbotapi.Message, err error) {
	switch {
	case errors.Is(err, authflow.ErrNotAuthenticated):
		s.reply(msg, "Please sign in with /login first.")
	case errors.Is(err, authflow.ErrRefreshFailure):
		s.reply(msg, "Your session has expired. Please sign in again with /login.")
	default:
		s.logger.Error().Err(err).Msg("failed to get valid token")
		s.reply(msg, genericErrorText)
	}
}

func (s *Service) reply(msg *tgbotapi.Message, text string) {
	if _, err := s.bot.Send(tgbotapi.NewMessage(msg.Chat.ID, text)); err != nil {
		s.logger.Error().Err(err).Msg("failed to send message")
	}
}

// addressFor maps a Telegram message to the minimal chat address the flow
// is keyed by.
func addressFor(msg *tgbotapi.Message) authflow.Address {
	return authflow.Address{
		UserID:         strconv.FormatInt(msg.From.ID, 10),
		ConversationID: strconv.FormatInt(msg.Chat.ID, 10),
	}
}

// parseSendMailArgs splits "/sendmail to subject words..." arguments.
func parseSendMailArgs(args string) (to, subject string, ok bool) {
	fields := strings.Fields(args)
	if len(fields) < 2 {
		return "", "", false
	}
	return fields[0], strings.Join(fields[1:], " "), true
}

// formatProfile renders a profile as chat text, skipping empty fields.
func formatProfile(p *graph.Profile) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Signed in as %s", p.DisplayName)
	if p.Mail != "" {
		fmt.Fprintf(&b, "\nMail: %s", p.Mail)
	}
	if p.JobTitle != "" {
		fmt.Fprintf(&b, "\nTitle: %s", p.JobTitle)
	}
	if p.OfficeLocation != "" {
		fmt.Fprintf(&b, "\nOffice: %s", p.OfficeLocation)
	}
	return b.String()
}
