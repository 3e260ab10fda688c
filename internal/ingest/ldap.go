package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/insider-threat-pipeline/internal/types"
)

// RoleDirectory maps normalized user ids to their LDAP role. A nil
// directory answers types.UnknownRole for everyone.
type RoleDirectory struct {
	roles map[string]string
	files int
}

// NewRoleDirectory builds a directory from an in-memory user→role map.
func NewRoleDirectory(roles map[string]string) *RoleDirectory {
	d := &RoleDirectory{roles: make(map[string]string, len(roles))}
	for u, r := range roles {
		d.roles[types.NormalizeUserID(u)] = strings.TrimSpace(r)
	}
	return d
}

// LoadRoleDirectory reads every *.csv file of dir in name order. Each file
// needs user_id and role columns; later files override earlier ones, so
// monthly LDAP snapshots resolve to the most recent role. A missing or
// empty directory is not an error: every user then has an unknown role.
func LoadRoleDirectory(dir string, log *logrus.Logger) (*RoleDirectory, error) {
	d := &RoleDirectory{roles: map[string]string{}}
	if dir == "" {
		return d, nil
	}
	files, err := filepath.Glob(filepath.Join(dir, "*.csv"))
	if err != nil {
		return nil, fmt.Errorf("ldap: list %s: %w", dir, err)
	}
	if len(files) == 0 {
		if log != nil {
			log.WithField("dir", dir).Warn("No LDAP files found, roles will be unknown")
		}
		return d, nil
	}
	sort.Strings(files)
	for _, path := range files {
		if err := d.loadFile(path); err != nil {
			return nil, err
		}
		d.files++
	}
	if log != nil {
		log.WithFields(logrus.Fields{"files": d.files, "users": len(d.roles)}).Info("Loaded LDAP roles")
	}
	return d, nil
}

func (d *RoleDirectory) loadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("ldap: open %s: %w", path, err)
	}
	defer f.Close()

	cr := csv.NewReader(f)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("ldap: read %s: %w", path, err)
	}
	userCol, roleCol := -1, -1
	for i, h := range header {
		switch strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))) {
		case "user_id":
			userCol = i
		case "role":
			roleCol = i
		}
	}
	if userCol < 0 || roleCol < 0 {
		return fmt.Errorf("ldap: %w", &types.SchemaMismatchError{File: path, Missing: []string{"user_id", "role"}, Header: header})
	}
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("ldap: read %s: %w", path, err)
		}
		if userCol >= len(row) || roleCol >= len(row) {
			continue
		}
		user := types.NormalizeUserID(row[userCol])
		if user == "" {
			continue
		}
		d.roles[user] = strings.TrimSpace(row[roleCol])
	}
}

// Role returns the role of user, or types.UnknownRole.
func (d *RoleDirectory) Role(user string) string {
	if d == nil {
		return types.UnknownRole
	}
	if r, ok := d.roles[user]; ok && r != "" {
		return r
	}
	return types.UnknownRole
}

// Len returns the number of users with a known role.
func (d *RoleDirectory) Len() int {
	if d == nil {
		return 0
	}
	return len(d.roles)
}
