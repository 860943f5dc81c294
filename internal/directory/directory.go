package directory

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"
	"gopkg.in/yaml.v3"
)

// Employee maps a Korean display name to the canonical (English) name used
// in deduction notices and mail addresses.
type Employee struct {
	Name       string `yaml:"name"`    // 성명, as written in request emails
	English    string `yaml:"english"` // 영문호칭, canonical key
	Email      string `yaml:"email,omitempty"`
	Department string `yaml:"department,omitempty"`
}

type employeeFile struct {
	Employees []Employee `yaml:"employees"`
}

// Directory resolves display names and sender addresses. A nil Directory
// resolves every name to itself.
type Directory struct {
	employees []Employee
	byName    map[string]Employee
	byEmail   map[string]Employee
}

// New indexes employees by trimmed name and lowercased email
func New(employees []Employee) *Directory {
	d := &Directory{
		byName:  make(map[string]Employee, len(employees)),
		byEmail: make(map[string]Employee, len(employees)),
	}
	for _, e := range employees {
		e.Name = strings.TrimSpace(e.Name)
		e.English = strings.TrimSpace(e.English)
		e.Email = strings.ToLower(strings.TrimSpace(e.Email))
		e.Department = strings.TrimSpace(e.Department)
		if e.Name == "" {
			continue
		}
		d.employees = append(d.employees, e)
		if e.English != "" {
			d.byName[e.Name] = e
		}
		if e.Email != "" {
			d.byEmail[e.Email] = e
		}
	}
	return d
}

// LoadFromFile reads a YAML employee list, or an HR export spreadsheet
// (.xlsx) whose first sheet has 부서, 성명, 영문호칭 and 이메일 in columns
// B through E below a header row.
func LoadFromFile(path string) (*Directory, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx":
		return loadSpreadsheet(path)
	case ".yaml", ".yml":
		return loadYAML(path)
	default:
		return nil, fmt.Errorf("unsupported employee directory format: %s", path)
	}
}

func loadYAML(path string) (*Directory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read employee file: %w", err)
	}

	var file employeeFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse employee file: %w", err)
	}
	return New(file.Employees), nil
}

func loadSpreadsheet(path string) (*Directory, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open employee spreadsheet: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("employee spreadsheet %s has no sheets", path)
	}

	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read employee spreadsheet: %w", err)
	}

	var employees []Employee
	for i, row := range rows {
		if i == 0 || len(row) < 4 {
			continue
		}
		e := Employee{Department: row[1], Name: row[2], English: row[3]}
		if len(row) > 4 {
			e.Email = row[4]
		}
		employees = append(employees, e)
	}
	return New(employees), nil
}

// Canonical returns the English name for a display name, or the trimmed
// name itself when it is not in the directory.
func (d *Directory) Canonical(name string) string {
	name = strings.TrimSpace(name)
	if d == nil {
		return name
	}
	if e, ok := d.byName[name]; ok {
		return e.English
	}
	return name
}

// Department returns the sender's department, or "" if unknown
func (d *Directory) Department(email string) string {
	if d == nil {
		return ""
	}
	return d.byEmail[strings.ToLower(strings.TrimSpace(email))].Department
}

// Len returns the number of indexed employees
func (d *Directory) Len() int {
	if d == nil {
		return 0
	}
	return len(d.employees)
}
