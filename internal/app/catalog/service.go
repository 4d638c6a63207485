// Package catalog lists managed database instances through the SQL Admin
// API, feeding discovery, pattern detection, and selection prompts.
package catalog

import (
	"context"
	"fmt"
	"strings"

	"github.com/dataport/dataport/internal/app/connection"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	sqladmin "google.golang.org/api/sqladmin/v1beta4"
)

// Instance is one managed instance row.
type Instance struct {
	Project         string `json:"project"`
	Name            string `json:"name"`
	Region          string `json:"region"`
	DatabaseVersion string `json:"database_version"`
	State           string `json:"state"`
	IPAddress       string `json:"ip_address,omitempty"`
	SizeGb          int64  `json:"size_gb,omitempty"`
}

// Database is one database row on an instance.
type Database struct {
	Name      string `json:"name"`
	Charset   string `json:"charset,omitempty"`
	Collation string `json:"collation,omitempty"`
}

// Service wraps the SQL Admin API client.
type Service struct {
	sql *sqladmin.Service
}

// NewService creates a catalog service. Credentials come from the
// environment unless overridden with client options.
func NewService(ctx context.Context, opts ...option.ClientOption) (*Service, error) {
	svc, err := sqladmin.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create SQL admin client: %w", err)
	}
	return &Service{sql: svc}, nil
}

// ListAllInstances returns every instance in the project, following
// pagination.
func (s *Service) ListAllInstances(ctx context.Context, project string) ([]Instance, error) {
	var instances []Instance
	pageToken := ""
	for {
		call := s.sql.Instances.List(project).Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Do()
		if err != nil {
			return nil, classifyAPIError(err, project, "")
		}
		for _, item := range resp.Items {
			instances = append(instances, fromAPI(project, item))
		}
		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}
	return instances, nil
}

// GetInstanceDetails returns one instance's metadata.
func (s *Service) GetInstanceDetails(ctx context.Context, project, name string) (*Instance, error) {
	item, err := s.sql.Instances.Get(project, name).Context(ctx).Do()
	if err != nil {
		return nil, classifyAPIError(err, project, name)
	}
	inst := fromAPI(project, item)
	return &inst, nil
}

// GetInstanceDatabases lists the databases on one instance.
func (s *Service) GetInstanceDatabases(ctx context.Context, project, instance string) ([]Database, error) {
	resp, err := s.sql.Databases.List(project, instance).Context(ctx).Do()
	if err != nil {
		return nil, classifyAPIError(err, project, instance)
	}
	databases := make([]Database, 0, len(resp.Items))
	for _, item := range resp.Items {
		databases = append(databases, Database{
			Name:      item.Name,
			Charset:   item.Charset,
			Collation: item.Collation,
		})
	}
	return databases, nil
}

func fromAPI(project string, item *sqladmin.DatabaseInstance) Instance {
	inst := Instance{
		Project:         project,
		Name:            item.Name,
		Region:          item.Region,
		DatabaseVersion: item.DatabaseVersion,
		State:           item.State,
	}
	if item.Settings != nil {
		inst.SizeGb = item.Settings.DataDiskSizeGb
	}
	for _, ip := range item.IpAddresses {
		if ip.Type == "PRIMARY" {
			inst.IPAddress = ip.IpAddress
			break
		}
	}
	if inst.IPAddress == "" && len(item.IpAddresses) > 0 {
		inst.IPAddress = item.IpAddresses[0].IpAddress
	}
	return inst
}

// classifyAPIError maps API failures onto the same classified kinds the
// connection layer uses, so callers handle both uniformly.
func classifyAPIError(err error, project, instance string) error {
	kind := connection.KindAuthFailure
	if apiErr, ok := err.(*googleapi.Error); ok {
		switch {
		case apiErr.Code == 403 && strings.Contains(apiErr.Message, "has not been enabled"):
			kind = connection.KindAPIDisabled
		case apiErr.Code == 403:
			kind = connection.KindPermissionDenied
		case apiErr.Code == 404:
			kind = connection.KindNotFound
		case apiErr.Code == 400:
			kind = connection.KindInvalidProject
		}
	} else {
		kind = connection.Classify(err)
	}
	return &connection.Error{
		Kind:     kind,
		Project:  project,
		Instance: instance,
		Attempts: 1,
		Err:      err,
	}
}
