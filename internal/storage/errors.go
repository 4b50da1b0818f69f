package storage

import (
	"errors"
	"gatekeeper/internal/models"
)

// ErrInvalidBan is returned when a ban without an IP or kind is saved.
var ErrInvalidBan = errors.New("ban requires an ip and a kind")

func validateBan(ban *models.Ban) error {
	if ban == nil || ban.IP == "" {
		return ErrInvalidBan
	}
	if ban.Kind != models.BanKindPermanent && ban.Kind != models.BanKindTemporary {
		return ErrInvalidBan
	}
	return nil
}
