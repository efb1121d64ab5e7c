// Package external imports predictions made by an outside agent (a
// preds.json plus exit_statuses_*.yaml) and judges them with the local
// scanner and policy so they can be reconciled like local runs.
package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/signalnine/tauguard/internal/guard"
	"github.com/signalnine/tauguard/internal/patch"
	"github.com/signalnine/tauguard/internal/security"
)

// StatusGlob matches the exit status files next to a predictions file.
const StatusGlob = "exit_statuses_*.yaml"

// Prediction is one imported candidate patch.
type Prediction struct {
	InstanceID string
	Provider   string
	ModelPatch string
	TauStep    int
}

var idKeys = []string{"instance_id", "task", "id", "task_id"}

// LoadPredictions reads a JSON array, a single object, an
// {instance_id: payload} mapping, or JSONL. A UTF-8 BOM is ignored. Every
// prediction gets an instance id, synthesized from its position when the
// payload names none, and its patch normalized.
func LoadPredictions(path string) ([]Prediction, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading predictions: %w", err)
	}
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	var raw []map[string]any
	var whole any
	if err := json.Unmarshal(data, &whole); err == nil {
		raw = normalizeObject(whole)
	} else {
		for i, line := range strings.Split(string(data), "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			var obj any
			if err := json.Unmarshal([]byte(line), &obj); err != nil {
				return nil, fmt.Errorf("%s:%d: %w", path, i+1, err)
			}
			if obj == nil {
				obj = map[string]any{"instance_id": fmt.Sprintf("line_%d", i+1)}
			}
			raw = append(raw, normalizeObject(obj)...)
		}
	}

	preds := make([]Prediction, 0, len(raw))
	for i, rec := range raw {
		p := Prediction{
			InstanceID: instanceID(rec, fmt.Sprintf("instance_%d", i+1)),
			Provider:   stringField(rec, "provider"),
			ModelPatch: patch.Normalize(stringField(rec, "model_patch")),
			TauStep:    1,
		}
		if v, ok := rec["tau_step"].(float64); ok && v >= 0 {
			p.TauStep = int(v)
		}
		preds = append(preds, p)
	}
	return preds, nil
}

func normalizeObject(obj any) []map[string]any {
	switch v := obj.(type) {
	case nil:
		return nil
	case []any:
		out := make([]map[string]any, 0, len(v))
		for i, item := range v {
			rec, ok := item.(map[string]any)
			if !ok {
				rec = map[string]any{"model_patch": item}
			}
			if instanceID(rec, "") == "" {
				rec["instance_id"] = fmt.Sprintf("instance_%d", i+1)
			}
			out = append(out, rec)
		}
		return out
	case map[string]any:
		for _, k := range idKeys {
			if _, ok := v[k]; ok {
				return []map[string]any{v}
			}
		}
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]map[string]any, 0, len(v))
		for _, id := range keys {
			rec, ok := v[id].(map[string]any)
			if !ok {
				rec = map[string]any{"model_patch": v[id]}
			}
			if _, ok := rec["instance_id"]; !ok {
				rec["instance_id"] = id
			}
			out = append(out, rec)
		}
		return out
	default:
		return []map[string]any{{"model_patch": v, "instance_id": "instance_unknown"}}
	}
}

func instanceID(rec map[string]any, fallback string) string {
	for _, k := range idKeys {
		if s := stringField(rec, k); s != "" {
			return s
		}
	}
	return fallback
}

func stringField(rec map[string]any, key string) string {
	switch v := rec[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return fmt.Sprintf("%g", v)
	default:
		return fmt.Sprint(v)
	}
}

// LoadStatuses merges every exit_statuses_*.yaml under dir, in name order.
// Files are either a flat {instance: status} mapping or carry an
// instances_by_exit_status {status: [instances]} section. Unreadable or
// malformed files are logged and skipped.
func LoadStatuses(dir string, log *slog.Logger) (map[string]string, error) {
	if log == nil {
		log = slog.Default()
	}
	paths, err := filepath.Glob(filepath.Join(dir, StatusGlob))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	statuses := map[string]string{}
	if len(paths) == 0 {
		log.Warn("no exit status files found", "dir", dir)
		return statuses, nil
	}
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			log.Warn("skipping unreadable status file", "path", path, "error", err)
			continue
		}
		var doc map[string]any
		if err := yaml.Unmarshal(data, &doc); err != nil || doc == nil {
			log.Warn("skipping status file without a mapping", "path", path, "error", err)
			continue
		}
		if nested, ok := doc["instances_by_exit_status"]; ok {
			byStatus, ok := nested.(map[string]any)
			if !ok {
				log.Warn("malformed instances_by_exit_status", "path", path)
				continue
			}
			for status, instances := range byStatus {
				list, ok := instances.([]any)
				if !ok {
					log.Warn("status has non-list instances", "path", path, "status", status)
					continue
				}
				for _, id := range list {
					if id != nil {
						statuses[fmt.Sprint(id)] = status
					}
				}
			}
			continue
		}
		for id, status := range doc {
			if status != nil {
				statuses[id] = fmt.Sprint(status)
			}
		}
	}
	log.Info("loaded exit statuses", "count", len(statuses), "files", len(paths))
	return statuses, nil
}

// StatusChecks maps an agent exit status onto test counts: success-like
// statuses pass one test, error-like and unrecognized ones fail one, and
// pending or unknown statuses ran nothing.
func StatusChecks(status string) guard.CheckResult {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "success", "ok", "pass", "passed", "resolved":
		return guard.CheckResult{TotalTests: 1, TestsOutput: "agent status: " + status}
	case "submitted", "pending", "", "unknown", "none":
		return guard.NotExecuted("agent status: " + status)
	default:
		return guard.CheckResult{TotalTests: 1, TestsFailed: 1, TestsOutput: "agent status: " + status}
	}
}

// Imported is a prediction judged locally.
type Imported struct {
	Prediction Prediction
	Status     string
	Record     guard.IterationRecord
}

// Records judges each prediction: the exit status becomes the test
// outcome, the patch is scanned against rules (all families when empty)
// with root as the pre-patch tree, and the policy decides.
func Records(ctx context.Context, preds []Prediction, statuses map[string]string, policy guard.Policy, scanner *security.Scanner, root string, rules []string) []Imported {
	if len(rules) == 0 {
		rules = security.Families
	}
	out := make([]Imported, 0, len(preds))
	for _, p := range preds {
		status, ok := statuses[p.InstanceID]
		if !ok {
			status = "unknown"
		}
		checks := StatusChecks(status)
		checks.SecurityViolations, checks.SecurityScanFailed = scanner.ScanDiff(ctx, p.ModelPatch, root, rules)
		checks = checks.Normalize()
		metrics := guard.ComputeMetrics(checks, p.TauStep)
		out = append(out, Imported{
			Prediction: p,
			Status:     status,
			Record: guard.IterationRecord{
				TauStep:   p.TauStep,
				Candidate: p.ModelPatch,
				Checks:    checks,
				Metrics:   metrics,
				Decision:  policy.Decide(checks, metrics, nil),
			},
		})
	}
	return out
}
