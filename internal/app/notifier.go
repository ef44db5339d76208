package app

import (
	"context"
	"fmt"

	"school-assistant/internal/domain"
)

// Notifier delivers user-facing side effects. Delivery is best-effort: callers
// log returned errors and carry on.
type Notifier interface {
	Welcome(ctx context.Context, user domain.UserIdentity) error
	LevelUp(ctx context.Context, user domain.UserIdentity, level int) error
	OfflineMode(ctx context.Context, user domain.UserIdentity) error
}

// AlertNotifier shows notices through the platform bridge. A nil bridge drops them.
type AlertNotifier struct {
	bridge Bridge
}

func NewAlertNotifier(bridge Bridge) *AlertNotifier {
	return &AlertNotifier{bridge: bridge}
}

func (n *AlertNotifier) Welcome(_ context.Context, user domain.UserIdentity) error {
	return n.show(fmt.Sprintf("Добро пожаловать, %s!", user.DisplayName()))
}

func (n *AlertNotifier) LevelUp(_ context.Context, _ domain.UserIdentity, level int) error {
	return n.show(fmt.Sprintf("Поздравляем! Вы достигли уровня %d", level))
}

func (n *AlertNotifier) OfflineMode(_ context.Context, _ domain.UserIdentity) error {
	return n.show("Нет связи с сервером. Приложение работает в офлайн-режиме.")
}

func (n *AlertNotifier) show(text string) error {
	if n.bridge == nil {
		return nil
	}
	return n.bridge.ShowAlert(text)
}
