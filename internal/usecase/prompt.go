package usecase

import (
	"strings"

	"voice-relay/internal/domain"
)

// historyWindow is the number of most recent history entries replayed to the model.
const historyWindow = 10

const (
	timeoutFallbackText     = "I'm taking a bit longer to think. Can you say that again?"
	unavailableFallbackText = "I'm sorry, I'm having trouble connecting right now. Please try again."
)

func buildPromptMessages(history []domain.ChatMessage) []domain.ChatMessage {
	recent := recentHistory(history, historyWindow)
	messages := make([]domain.ChatMessage, 0, len(recent)+1)
	messages = append(messages, domain.ChatMessage{Role: domain.RoleSystem, Content: buildSystemPrompt()})
	return append(messages, recent...)
}

func buildSystemPrompt() string {
	return strings.Join([]string{
		"You are Grok, a helpful and maximally truthful AI built by xAI.",
		"You are having a voice conversation, so keep your responses conversational, concise, and natural.",
		"Avoid long explanations unless asked.",
		"Be friendly and engaging.",
	}, " ")
}

// recentHistory keeps the newest n entries, dropping the oldest.
func recentHistory(history []domain.ChatMessage, n int) []domain.ChatMessage {
	if len(history) <= n {
		return history
	}
	return history[len(history)-n:]
}

func fallbackText(f Fallback) string {
	if f == FallbackTimeout {
		return timeoutFallbackText
	}
	return unavailableFallbackText
}
