// Package template resolves and validates instance templates:
// structural validation of ports/envs, and registry-auth
// resolution for templates backed by a private image.
package template

import (
	"context"
	"fmt"
	"strconv"

	"github.com/go-playground/validator/v10"

	apierrors "github.com/riftforge/gpu-orchestrator/internal/pkg/errors"
	"github.com/riftforge/gpu-orchestrator/internal/models"
)

// TemplateFetcher is the provider surface this package depends on.
type TemplateFetcher interface {
	GetTemplate(ctx context.Context, id string) (*models.Template, error)
	GetRegistryAuth(ctx context.Context, authID string) (*models.RegistryAuth, error)
}

// validatable mirrors models.Template with validator struct tags —
// kept separate so models stays free of a third-party tag dependency
// that only this package needs.
type validatable struct {
	ID       string          `validate:"required"`
	ImageURL string          `validate:"required,url"`
	Ports    []validatablePort `validate:"dive"`
	Envs     []validatableEnv  `validate:"dive"`
}

type validatablePort struct {
	Port int    `validate:"required,min=1,max=65535"`
	Type string `validate:"required,oneof=tcp http https"`
}

type validatableEnv struct {
	Key   string `validate:"required,ascii"`
	Value string
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Resolver fetches and validates templates.
type Resolver struct {
	provider TemplateFetcher
}

// New constructs a Resolver.
func New(provider TemplateFetcher) *Resolver {
	return &Resolver{provider: provider}
}

// GetTemplate fetches a template by ID and validates it structurally
// non-empty id, a well-formed imageUrl, every port in
// [1,65535] with a recognized type, and non-empty ASCII env keys.
func (r *Resolver) GetTemplate(ctx context.Context, id string) (*models.Template, error) {
	tpl, err := r.provider.GetTemplate(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := validateTemplate(tpl); err != nil {
		return nil, err
	}
	return tpl, nil
}

// GetTemplateConfiguration fetches and validates the template, then
// additionally resolves imageAuthId (if set) into an opaque
// "username:password" string the provider's create-instance call
// expects as imageAuth.
func (r *Resolver) GetTemplateConfiguration(ctx context.Context, id string) (*models.TemplateConfig, error) {
	tpl, err := r.GetTemplate(ctx, id)
	if err != nil {
		return nil, err
	}

	cfg := &models.TemplateConfig{
		ID:          tpl.ID,
		ImageURL:    tpl.ImageURL,
		ImageAuthID: tpl.ImageAuthID,
		Ports:       tpl.Ports,
		Envs:        tpl.Envs,
	}

	if tpl.ImageAuthID != "" {
		auth, err := r.provider.GetRegistryAuth(ctx, tpl.ImageAuthID)
		if err != nil {
			return nil, err
		}
		cfg.ImageAuth = auth.Username + ":" + auth.Password
	}

	return cfg, nil
}

// validateTemplate runs struct-tag validation and translates any
// failures into the shared validation-error shape.
func validateTemplate(tpl *models.Template) error {
	v := validatable{ID: tpl.ID, ImageURL: tpl.ImageURL}
	for _, p := range tpl.Ports {
		v.Ports = append(v.Ports, validatablePort{Port: p.Port, Type: string(p.Type)})
	}
	for _, e := range tpl.Envs {
		v.Envs = append(v.Envs, validatableEnv{Key: e.Key, Value: e.Value})
	}

	err := validate.Struct(v)
	if err == nil {
		return nil
	}

	var fieldErrs []apierrors.FieldError
	if ve, ok := err.(validator.ValidationErrors); ok {
		for _, fe := range ve {
			fieldErrs = append(fieldErrs, apierrors.FieldError{
				Field:  fe.Namespace(),
				Reason: fieldErrorMessage(fe),
			})
		}
	} else {
		fieldErrs = append(fieldErrs, apierrors.FieldError{Field: "", Reason: err.Error()})
	}
	return apierrors.NewValidationErrors(fieldErrs)
}

func fieldErrorMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "url":
		return "must be a valid URL"
	case "min":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	case "oneof":
		return "must be one of: " + fe.Param()
	case "ascii":
		return "must be ASCII"
	default:
		return "failed validation: " + fe.Tag() + " (" + strconvQuoteParam(fe.Param()) + ")"
	}
}

func strconvQuoteParam(p string) string {
	if p == "" {
		return "n/a"
	}
	return strconv.Quote(p)
}
