package store

import (
	"context"
	"fmt"

	"github.com/nishichengju/NeoDeskPet-sub001/internal/model"
)

// GetPersona loads a persona's toggles. A missing persona returns (nil, nil):
// capture and retrieval default to enabled for unknown personas.
func (s *Store) GetPersona(ctx context.Context, id string) (*model.Persona, error) {
	var persona model.Persona
	result := s.db.WithContext(ctx).Where("id = ?", id).Limit(1).Find(&persona)
	if result.Error != nil {
		return nil, fmt.Errorf("get persona: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &persona, nil
}

// EnsurePersona upserts a persona row. The host application owns persona
// config; this is the write-through it uses.
func (s *Store) EnsurePersona(ctx context.Context, p model.Persona) error {
	if p.ID == "" {
		return &ValidationError{Field: "persona.id", Reason: "must not be empty"}
	}
	var existing model.Persona
	result := s.db.WithContext(ctx).Where("id = ?", p.ID).Limit(1).Find(&existing)
	if result.Error != nil {
		return fmt.Errorf("ensure persona: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		return s.db.WithContext(ctx).Model(&model.Persona{}).
			Where("id = ?", p.ID).
			Updates(map[string]interface{}{
				"name":              p.Name,
				"prompt_text":       p.PromptText,
				"capture_enabled":   p.CaptureEnabled,
				"capture_user":      p.CaptureUser,
				"capture_assistant": p.CaptureAssistant,
				"retrieve_enabled":  p.RetrieveEnabled,
			}).Error
	}
	return s.db.WithContext(ctx).Create(&p).Error
}
