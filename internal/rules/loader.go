package rules

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Loader handles loading and managing audit rules
type Loader struct {
	rulesDir     string
	hotReload    bool
	pollInterval time.Duration
	debounce     time.Duration
	logger       *slog.Logger

	mu       sync.RWMutex
	snapshot *RuleSnapshot
	watchers []chan struct{}
}

// NewLoader creates a new rule loader
func NewLoader(rulesDir string, hotReload bool, debounce time.Duration, logger *slog.Logger) *Loader {
	return &Loader{
		rulesDir:     rulesDir,
		hotReload:    hotReload,
		pollInterval: 2 * time.Second,
		debounce:     debounce,
		logger:       logger,
	}
}

// LoadSnapshot loads all rules from the rules directory. Invalid rules and
// unreadable files are skipped with a warning; disabled rules are kept so
// an override can enable them.
func (l *Loader) LoadSnapshot() (*RuleSnapshot, error) {
	l.logger.Info("Loading rules snapshot", "rules_dir", l.rulesDir)

	ruleFiles, err := l.readRuleFiles()
	if err != nil {
		return nil, fmt.Errorf("failed to read rule files: %w", err)
	}

	ruleMap := make(map[string]Rule)
	for _, file := range ruleFiles {
		rules, err := l.loadRulesFromFile(file)
		if err != nil {
			l.logger.Warn("Failed to load rules from file", "file", file, "error", err)
			continue
		}

		for _, rule := range rules {
			if err := rule.Validate(); err != nil {
				l.logger.Warn("Invalid rule skipped", "rule_id", rule.Metadata.ID, "file", file, "error", err)
				continue
			}

			// Later files win on id conflicts
			if existing, exists := ruleMap[rule.Metadata.ID]; exists {
				l.logger.Info("Rule ID conflict resolved by filename override",
					"rule_id", rule.Metadata.ID,
					"new_file", file,
					"old_file", existing.SourceFile)
			}

			rule.SourceFile = file
			ruleMap[rule.Metadata.ID] = rule
		}
	}

	allRules := make([]Rule, 0, len(ruleMap))
	enabled := 0
	for _, rule := range ruleMap {
		allRules = append(allRules, rule)
		if rule.IsEnabled() {
			enabled++
		}
	}
	sort.Slice(allRules, func(i, j int) bool {
		return allRules[i].Metadata.ID < allRules[j].Metadata.ID
	})

	snapshot := &RuleSnapshot{
		Rules:   allRules,
		Version: time.Now().UnixNano(),
	}

	l.logger.Info("Rules snapshot loaded",
		"total_rules", len(allRules),
		"enabled_rules", enabled,
		"version", snapshot.Version)

	l.mu.Lock()
	l.snapshot = snapshot
	l.mu.Unlock()

	l.notifyWatchers()

	return snapshot, nil
}

// GetSnapshot returns a copy of the current rules snapshot
func (l *Loader) GetSnapshot() *RuleSnapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.snapshot == nil {
		return &RuleSnapshot{Rules: []Rule{}, Version: 0}
	}

	rules := make([]Rule, len(l.snapshot.Rules))
	for i := range l.snapshot.Rules {
		rules[i] = l.snapshot.Rules[i].clone()
	}

	return &RuleSnapshot{
		Rules:   rules,
		Version: l.snapshot.Version,
	}
}

// WatchForChanges polls the rules directory until ctx is done when hot
// reload is enabled
func (l *Loader) WatchForChanges(ctx context.Context) {
	if !l.hotReload {
		l.logger.Info("Hot reload disabled")
		return
	}

	l.logger.Info("Starting rule file watcher", "rules_dir", l.rulesDir, "poll_interval", l.pollInterval)

	last, err := l.dirFingerprint()
	if err != nil {
		l.logger.Error("Error watching files", "error", err)
	}

	reloadChan := make(chan struct{}, 1)
	go l.watchFiles(ctx, last, reloadChan)
	go l.debouncedReload(ctx, reloadChan)
}

// Subscribe returns a channel that receives a notification whenever a new
// snapshot is loaded
func (l *Loader) Subscribe() <-chan struct{} {
	ch := make(chan struct{}, 1)

	l.mu.Lock()
	l.watchers = append(l.watchers, ch)
	l.mu.Unlock()

	return ch
}

func isRuleFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml" || ext == ".json"
}

// readRuleFiles reads all rule files from the rules directory, sorted by filename
func (l *Loader) readRuleFiles() ([]string, error) {
	var files []string

	err := filepath.WalkDir(l.rulesDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if isRuleFile(path) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(files)
	return files, nil
}

// loadRulesFromFile loads one rule, a list of rules, or a multi-document
// stream. JSON files parse through the same YAML decoder.
func (l *Loader) loadRulesFromFile(filename string) ([]Rule, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	defer f.Close()

	var rules []Rule
	dec := yaml.NewDecoder(f)
	for {
		var node yaml.Node
		if err := dec.Decode(&node); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("failed to parse %s: %w", filepath.Base(filename), err)
		}
		if len(node.Content) == 0 {
			continue
		}

		if node.Content[0].Kind == yaml.SequenceNode {
			var list []Rule
			if err := node.Decode(&list); err != nil {
				return nil, fmt.Errorf("failed to parse %s: %w", filepath.Base(filename), err)
			}
			rules = append(rules, list...)
			continue
		}

		var rule Rule
		if err := node.Decode(&rule); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", filepath.Base(filename), err)
		}
		rules = append(rules, rule)
	}

	l.logger.Debug("Loaded rules from file", "file", filename, "count", len(rules))
	return rules, nil
}

// dirFingerprint summarizes the rule files so additions, edits and
// deletions all register as changes
func (l *Loader) dirFingerprint() (string, error) {
	var b strings.Builder
	err := filepath.WalkDir(l.rulesDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isRuleFile(path) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		fmt.Fprintf(&b, "%s|%d|%d;", path, info.Size(), info.ModTime().UnixNano())
		return nil
	})
	return b.String(), err
}

// watchFiles polls the rules directory for changes
func (l *Loader) watchFiles(ctx context.Context, last string, reloadChan chan struct{}) {
	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		current, err := l.dirFingerprint()
		if err != nil {
			l.logger.Error("Error watching files", "error", err)
			continue
		}
		if current == last {
			continue
		}
		last = current

		l.logger.Info("Rule files changed, triggering reload")
		select {
		case reloadChan <- struct{}{}:
		default:
		}
	}
}

// debouncedReload coalesces bursts of changes into one reload
func (l *Loader) debouncedReload(ctx context.Context, reloadChan chan struct{}) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-reloadChan:
		}

		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(l.debounce, func() {
			l.logger.Info("Debounced reload triggered")
			if _, err := l.LoadSnapshot(); err != nil {
				l.logger.Error("Failed to reload rules", "error", err)
			}
		})
	}
}

// notifyWatchers notifies all subscribed watchers
func (l *Loader) notifyWatchers() {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, ch := range l.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
