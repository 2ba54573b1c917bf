package provider

import (
	"context"
	"fmt"
	"net/url"

	apierrors "github.com/riftforge/gpu-orchestrator/internal/pkg/errors"
	"github.com/riftforge/gpu-orchestrator/internal/models"
)

// listProductsRequest mirrors the provider's product-search body.
type listProductsRequest struct {
	ProductName string `json:"productName,omitempty"`
	RegionID    string `json:"regionId,omitempty"`
	GPUType     string `json:"gpuType,omitempty"`
}

// ListProducts returns the catalog of products matching req, as stored
// by the upstream provider — callers apply availability/price
// filtering (that's the selector's job, not this adapter's).
func (c *Client) ListProducts(ctx context.Context, productName, regionID, gpuType string) ([]models.Product, error) {
	var out []models.Product
	body := listProductsRequest{ProductName: productName, RegionID: regionID, GPUType: gpuType}
	if err := c.doJSON(ctx, groupProducts, "POST", "/v1/products/search", body, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetTemplate fetches one template by ID.
func (c *Client) GetTemplate(ctx context.Context, id string) (*models.Template, error) {
	var out models.Template
	path := fmt.Sprintf("/v1/templates/%s", url.PathEscape(id))
	if err := c.doJSON(ctx, groupTemplates, "GET", path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// createInstanceRequest is the provisioning request sent upstream.
type createInstanceRequest struct {
	Name       string          `json:"name"`
	ProductID  string          `json:"productId"`
	Region     string          `json:"region"`
	GPUNum     int             `json:"gpuNum"`
	RootfsSize int             `json:"rootfsSize"`
	TemplateID string          `json:"templateId"`
	ImageURL   string          `json:"imageUrl"`
	ImageAuth  string          `json:"imageAuth,omitempty"`
	Ports      []models.Port   `json:"ports"`
	Envs       []models.EnvVar `json:"envs"`
}

// createInstanceResponse is the provider's acknowledgement of a
// provisioning request — terminal readiness is observed later via
// GetInstance, not returned synchronously.
type createInstanceResponse struct {
	UpstreamID string `json:"upstreamId"`
}

// CreateInstanceParams bundles everything CreateInstance needs,
// resolved by the product selector and template resolver before the
// worker calls this adapter.
type CreateInstanceParams struct {
	Name       string
	ProductID  string
	Region     string
	GPUNum     int
	RootfsSize int
	Template   models.TemplateConfig
}

// CreateInstance provisions a new instance upstream and returns the
// provider-assigned ID. The instance is not necessarily running yet —
// callers poll GetInstance (or receive MONITOR_STARTUP job updates).
func (c *Client) CreateInstance(ctx context.Context, p CreateInstanceParams) (string, error) {
	body := createInstanceRequest{
		Name:       p.Name,
		ProductID:  p.ProductID,
		Region:     p.Region,
		GPUNum:     p.GPUNum,
		RootfsSize: p.RootfsSize,
		TemplateID: p.Template.ID,
		ImageURL:   p.Template.ImageURL,
		ImageAuth:  p.Template.ImageAuth,
		Ports:      p.Template.Ports,
		Envs:       p.Template.Envs,
	}
	var out createInstanceResponse
	if err := c.doJSON(ctx, groupInstances, "POST", "/v1/instances", body, &out); err != nil {
		return "", err
	}
	if out.UpstreamID == "" {
		return "", apierrors.ErrUpstream5xx.WithMessage("provider accepted the request but returned no instance id")
	}
	return out.UpstreamID, nil
}

// StartInstance resumes a stopped instance.
func (c *Client) StartInstance(ctx context.Context, upstreamID string) error {
	path := fmt.Sprintf("/v1/instances/%s/start", url.PathEscape(upstreamID))
	return c.doJSON(ctx, groupInstances, "POST", path, nil, nil)
}

// StopInstance suspends a running instance without destroying it.
func (c *Client) StopInstance(ctx context.Context, upstreamID string) error {
	path := fmt.Sprintf("/v1/instances/%s/stop", url.PathEscape(upstreamID))
	return c.doJSON(ctx, groupInstances, "POST", path, nil, nil)
}

// Instance is the provider's wire shape for one instance.
type Instance struct {
	UpstreamID string             `json:"upstreamId"`
	Status     string             `json:"status"`
	Connection *models.Connection `json:"connection,omitempty"`
	Ports      []models.Port      `json:"ports"`
}

// GetInstance fetches the provider's current view of one instance.
func (c *Client) GetInstance(ctx context.Context, upstreamID string) (*Instance, error) {
	var out Instance
	path := fmt.Sprintf("/v1/instances/%s", url.PathEscape(upstreamID))
	if err := c.doJSON(ctx, groupInstances, "GET", path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListInstances returns the provider's full set of instances tagged to
// this account — used by listInstancesComprehensive to merge against
// locally-tracked state. The migration scheduler uses
// ListMigrationCandidates instead.
func (c *Client) ListInstances(ctx context.Context) ([]Instance, error) {
	var out []Instance
	if err := c.doJSON(ctx, groupInstances, "GET", "/v1/instances", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// migrateInstanceRequest requests the provider relocate an instance to
// a new host, used when the provider has flagged it for reclamation.
type migrateInstanceRequest struct {
	TargetRegion string `json:"targetRegion,omitempty"`
}

// MigrateInstance asks the provider to relocate upstreamID, returning
// its new upstream ID once migration completes synchronously on the
// provider side (the provider API for this system is migrate-then-ack,
// not migrate-then-poll).
func (c *Client) MigrateInstance(ctx context.Context, upstreamID, targetRegion string) (string, error) {
	var out createInstanceResponse
	path := fmt.Sprintf("/v1/instances/%s/migrate", url.PathEscape(upstreamID))
	body := migrateInstanceRequest{TargetRegion: targetRegion}
	if err := c.doJSON(ctx, groupInstances, "POST", path, body, &out); err != nil {
		return "", err
	}
	if out.UpstreamID == "" {
		return upstreamID, nil
	}
	return out.UpstreamID, nil
}

// ListMigrationCandidates returns instances the provider has flagged
// for reclamation, consumed by the migration scheduler.
func (c *Client) ListMigrationCandidates(ctx context.Context) ([]models.MigrationCandidate, error) {
	var out []models.MigrationCandidate
	if err := c.doJSON(ctx, groupInstances, "GET", "/v1/instances/migration-candidates", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// registryAuthEntry is one stored credential pair, keyed by its ID.
type registryAuthEntry struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// GetRegistryAuth resolves authID to a {username,password} pair by
// listing the provider's stored credentials and matching by ID — the
// provider API exposes no single-credential lookup, only the full set
.
func (c *Client) GetRegistryAuth(ctx context.Context, authID string) (*models.RegistryAuth, error) {
	var entries []registryAuthEntry
	if err := c.doJSON(ctx, groupTemplates, "GET", "/v1/registry-auth", nil, &entries); err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.ID == authID {
			return &models.RegistryAuth{Username: e.Username, Password: e.Password}, nil
		}
	}
	return nil, apierrors.NewNotFoundError("registry auth")
}
