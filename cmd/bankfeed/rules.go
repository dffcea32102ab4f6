package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/Veraticus/bankfeed/internal/common"
	"github.com/Veraticus/bankfeed/internal/model"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func rulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage reconciliation rules",
	}
	cmd.AddCommand(rulesListCmd())
	cmd.AddCommand(rulesAddCmd())
	cmd.AddCommand(rulesImportCmd())
	cmd.AddCommand(rulesDeleteCmd())
	return cmd
}

func rulesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List rules in evaluation order",
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := openServices(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = svc.Close() }()

			rules, err := svc.Storage.ListRules(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(rules) == 0 {
				fmt.Fprintln(out, labelStyle.Render("No rules."))
				return nil
			}
			for _, r := range rules {
				state := okStyle.Render("active")
				if !r.Active {
					state = labelStyle.Render("inactive")
				}
				auto := ""
				if r.AutoApply {
					auto = warnStyle.Render(" auto-apply")
				}
				fmt.Fprintf(out, "%s %s  %s%s\n", headerStyle.Render(fmt.Sprintf("[%d]", r.Priority)), r.Name, state, auto)
				fmt.Fprintln(out, labelStyle.Render("  id: "+r.ID))
				for _, c := range r.Conditions {
					fmt.Fprintf(out, "  when %s\n", formatCondition(c))
				}
				for _, a := range r.Actions {
					fmt.Fprintf(out, "  then %s\n", strings.TrimSuffix(string(a.Type)+" "+a.Value, " "))
				}
			}
			return nil
		},
	}
}

func rulesAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Add a rule",
		Long: `Add a reconciliation rule.

Conditions are field:operator:value[:value2], for example
  --when description:contains:EDF
  --when amount:range:50:150
Actions are type[:value], for example
  --then categorize:Utilities --then match`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			when, _ := cmd.Flags().GetStringArray("when")
			then, _ := cmd.Flags().GetStringArray("then")
			priority, _ := cmd.Flags().GetInt("priority")
			autoApply, _ := cmd.Flags().GetBool("auto-apply")
			inactive, _ := cmd.Flags().GetBool("inactive")

			rule := &model.ReconciliationRule{
				ID:        uuid.NewString(),
				Name:      args[0],
				Priority:  priority,
				AutoApply: autoApply,
				Active:    !inactive,
			}
			for _, w := range when {
				c, err := parseCondition(w)
				if err != nil {
					return err
				}
				rule.Conditions = append(rule.Conditions, c)
			}
			for _, t := range then {
				a, err := parseAction(t)
				if err != nil {
					return err
				}
				rule.Actions = append(rule.Actions, a)
			}

			svc, err := openServices(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = svc.Close() }()

			if err := svc.Storage.SaveRule(cmd.Context(), rule); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), okStyle.Render("Added rule "+rule.ID))
			return nil
		},
	}
	cmd.Flags().StringArray("when", nil, "condition field:operator:value[:value2] (repeatable)")
	cmd.Flags().StringArray("then", nil, "action type[:value] (repeatable)")
	cmd.Flags().Int("priority", 100, "evaluation order, lower first")
	cmd.Flags().Bool("auto-apply", false, "commit the best match immediately")
	cmd.Flags().Bool("inactive", false, "store the rule disabled")
	_ = cmd.MarkFlagRequired("when")
	return cmd
}

// ruleFile is the YAML layout accepted by "rules import".
type ruleFile struct {
	Rules []struct {
		ID         string                `yaml:"id"`
		Name       string                `yaml:"name"`
		Conditions []model.RuleCondition `yaml:"conditions"`
		Actions    []model.RuleAction    `yaml:"actions"`
		Priority   int                   `yaml:"priority"`
		AutoApply  bool                  `yaml:"auto_apply"`
		Active     *bool                 `yaml:"active"`
	} `yaml:"rules"`
}

func rulesImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <rules.yaml>",
		Short: "Create or replace rules from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", args[0], err)
			}
			var file ruleFile
			if err := yaml.Unmarshal(data, &file); err != nil {
				return &common.ValidationError{Field: "rules", Message: "invalid YAML", Err: err}
			}

			svc, err := openServices(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = svc.Close() }()

			for i, r := range file.Rules {
				rule := &model.ReconciliationRule{
					ID:         r.ID,
					Name:       r.Name,
					Conditions: r.Conditions,
					Actions:    r.Actions,
					Priority:   r.Priority,
					AutoApply:  r.AutoApply,
					Active:     r.Active == nil || *r.Active,
				}
				if rule.ID == "" {
					rule.ID = uuid.NewString()
				}
				for _, c := range rule.Conditions {
					if err := validateCondition(c); err != nil {
						return fmt.Errorf("rule %d (%s): %w", i, r.Name, err)
					}
				}
				if err := svc.Storage.SaveRule(cmd.Context(), rule); err != nil {
					return fmt.Errorf("rule %d (%s): %w", i, r.Name, err)
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), okStyle.Render(fmt.Sprintf("Imported %d rules", len(file.Rules))))
			return nil
		},
	}
}

func rulesDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <rule-id>",
		Short: "Delete a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openServices(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = svc.Close() }()

			if err := svc.Storage.DeleteRule(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), okStyle.Render("Deleted rule "+args[0]))
			return nil
		},
	}
}

func parseCondition(s string) (model.RuleCondition, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) < 3 {
		return model.RuleCondition{}, common.NewValidationError("when", fmt.Sprintf("%q is not field:operator:value", s))
	}
	c := model.RuleCondition{
		Field:    model.RuleField(parts[0]),
		Operator: model.RuleOperator(parts[1]),
		Value:    parts[2],
	}
	if c.Operator == model.OpRange || c.Operator == model.OpDateRange {
		c.Value, c.Value2, _ = strings.Cut(parts[2], ":")
	}
	return c, validateCondition(c)
}

func validateCondition(c model.RuleCondition) error {
	switch c.Field {
	case model.FieldAmount, model.FieldDate, model.FieldDescription, model.FieldCounterparty,
		model.FieldReference, model.FieldCategory:
	default:
		return common.NewValidationError("when", fmt.Sprintf("unknown field %q", c.Field))
	}
	switch c.Operator {
	case model.OpEquals, model.OpContains, model.OpStartsWith, model.OpEndsWith, model.OpRegex, model.OpSimilar:
	case model.OpRange, model.OpDateRange:
		if c.Value2 == "" {
			return common.NewValidationError("when", fmt.Sprintf("%s needs an upper bound", c.Operator))
		}
	default:
		return common.NewValidationError("when", fmt.Sprintf("unknown operator %q", c.Operator))
	}
	return nil
}

func parseAction(s string) (model.RuleAction, error) {
	typ, value, _ := strings.Cut(s, ":")
	a := model.RuleAction{Type: model.RuleActionType(typ), Value: value}
	switch a.Type {
	case model.ActionMatch, model.ActionCategorize, model.ActionSplit, model.ActionMerge,
		model.ActionFlag, model.ActionCreateEntry:
		return a, nil
	}
	return a, common.NewValidationError("then", fmt.Sprintf("unknown action %q", typ))
}

func formatCondition(c model.RuleCondition) string {
	s := fmt.Sprintf("%s %s %q", c.Field, c.Operator, c.Value)
	if c.Value2 != "" {
		s += fmt.Sprintf(" and %q", c.Value2)
	}
	return s
}
