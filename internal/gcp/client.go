package gcp

import (
	"context"
	"fmt"
	"strings"

	"log/slog"

	"golang.org/x/oauth2"
	"google.golang.org/api/cloudbilling/v1"
	"google.golang.org/api/cloudresourcemanager/v1"
	oauth2api "google.golang.org/api/oauth2/v2"
	"google.golang.org/api/option"
)

// BillingAccount is a billing account visible to the connected user.
type BillingAccount struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Open        bool   `json:"isOpen"`
}

// Project is a cloud project visible to the connected user.
type Project struct {
	ProjectID        string `json:"projectId"`
	Name             string `json:"name"`
	BillingAccountID string `json:"billingAccountId,omitempty"`
	LifecycleState   string `json:"lifecycleState"`
}

// Client wraps the three read-only Google Cloud APIs the sync consumes:
// billing account listing, project listing, and account identity.
type Client struct {
	billing  *cloudbilling.APIService
	projects *cloudresourcemanager.Service
	userinfo *oauth2api.Service
	logger   *slog.Logger
}

// NewClient builds API services backed by the given token source.
func NewClient(ctx context.Context, ts oauth2.TokenSource, logger *slog.Logger) (*Client, error) {
	billingSvc, err := cloudbilling.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("cloudbilling service: %w", err)
	}

	crmSvc, err := cloudresourcemanager.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("cloudresourcemanager service: %w", err)
	}

	userinfoSvc, err := oauth2api.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("userinfo service: %w", err)
	}

	return &Client{billing: billingSvc, projects: crmSvc, userinfo: userinfoSvc, logger: logger}, nil
}

// ListBillingAccounts returns all billing accounts the user can see, in
// Google's response order.
func (c *Client) ListBillingAccounts(ctx context.Context) ([]BillingAccount, error) {
	var accounts []BillingAccount
	err := c.billing.BillingAccounts.List().Pages(ctx, func(resp *cloudbilling.ListBillingAccountsResponse) error {
		for _, acc := range resp.BillingAccounts {
			accounts = append(accounts, BillingAccount{
				ID:          strings.TrimPrefix(acc.Name, "billingAccounts/"),
				DisplayName: acc.DisplayName,
				Open:        acc.Open,
			})
		}
		return nil
	})
	if err != nil {
		return nil, WrapError(err)
	}
	return accounts, nil
}

// ListProjects returns all projects the user can see, in Google's response
// order, each enriched with its billing account where resolvable. A project
// whose billing info cannot be read is kept with an empty billing account
// rather than dropped.
func (c *Client) ListProjects(ctx context.Context) ([]Project, error) {
	var projects []Project
	err := c.projects.Projects.List().Pages(ctx, func(resp *cloudresourcemanager.ListProjectsResponse) error {
		for _, p := range resp.Projects {
			projects = append(projects, Project{
				ProjectID:      p.ProjectId,
				Name:           p.Name,
				LifecycleState: p.LifecycleState,
			})
		}
		return nil
	})
	if err != nil {
		return nil, WrapError(err)
	}

	for i := range projects {
		info, err := c.billing.Projects.GetBillingInfo("projects/" + projects[i].ProjectID).Context(ctx).Do()
		if err != nil {
			if IsUnauthorized(err) {
				// The token is bad for every remaining project too.
				c.logger.Warn("billing info lookup unauthorised, skipping enrichment", "project", projects[i].ProjectID, "error", err)
				break
			}
			c.logger.Warn("billing info lookup failed", "project", projects[i].ProjectID, "error", err)
			continue
		}
		projects[i].BillingAccountID = strings.TrimPrefix(info.BillingAccountName, "billingAccounts/")
	}

	return projects, nil
}

// ResolveIdentity returns the email address of the connected account.
func (c *Client) ResolveIdentity(ctx context.Context) (string, error) {
	info, err := c.userinfo.Userinfo.Get().Context(ctx).Do()
	if err != nil {
		return "", WrapError(err)
	}
	if info.Email == "" {
		return "", fmt.Errorf("userinfo: no email in response")
	}
	return info.Email, nil
}
