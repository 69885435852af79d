package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"wlmigrate/internal/domain"
	"wlmigrate/internal/engine"
	"wlmigrate/internal/mapping"
	"wlmigrate/internal/server"
)

func mappingCmd() *cobra.Command {
	m := &cobra.Command{Use: "mapping", Short: "Manage mapping snapshots"}
	m.AddCommand(mappingSuggestCmd())
	m.AddCommand(mappingCreateCmd())
	m.AddCommand(mappingShowCmd())
	m.AddCommand(mappingSetCmd())
	return m
}

// readCatalog loads a YAML catalog keyed by mapping kind:
//
//	state:
//	  - key: "10001"
//	    name: To Do
func readCatalog(path string) (domain.Catalog, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cat domain.Catalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	for kind := range cat {
		if !kind.Valid() {
			return nil, fmt.Errorf("catalog %s: unknown kind %q", path, kind)
		}
	}
	return cat, nil
}

func mappingSuggestCmd() *cobra.Command {
	var projectID, catalogPath string
	cmd := &cobra.Command{
		Use:   "suggest",
		Short: "Propose mappings for a catalog and print them in override-file format",
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := readCatalog(catalogPath)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ms, err := e.SuggestMappings(ctx, projectID, cat)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(ms)
				}
				out, err := mapping.Encode(ms)
				if err != nil {
					return err
				}
				fmt.Print(string(out))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "destination project id")
	cmd.Flags().StringVar(&catalogPath, "catalog", "", "catalog YAML file")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("catalog")
	return cmd
}

func mappingCreateCmd() *cobra.Command {
	var opts engine.SnapshotOptions
	var source, catalogPath, file string
	var settings []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a mapping snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := readCatalog(catalogPath)
			if err != nil {
				return err
			}
			if file != "" {
				if opts.Mappings, err = mapping.ReadFile(file); err != nil {
					return err
				}
			}
			if opts.SourceSettings, err = parseSettings(settings); err != nil {
				return err
			}
			opts.Source = domain.SourceType(source)
			opts.Catalog = cat
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				snap, err := e.CreateSnapshot(ctx, opts)
				if err != nil {
					return err
				}
				return printSnapshot(snap)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ProjectID, "project", "", "destination project id")
	cmd.Flags().StringVar(&source, "source", "", "source type")
	cmd.Flags().StringVar(&opts.CredentialID, "credential", "", "credential id used for discovery")
	cmd.Flags().StringArrayVar(&settings, "setting", nil, "connector setting key=value (repeatable)")
	cmd.Flags().StringVar(&catalogPath, "catalog", "", "catalog YAML file")
	cmd.Flags().StringVarP(&file, "file", "f", "", "manual mappings in override-file format")
	cmd.Flags().BoolVar(&opts.Discover, "discover", false, "ask the source connector for its catalog")
	cmd.Flags().BoolVar(&opts.Suggest, "suggest", false, "suggest mappings for unmapped catalog entries")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("source")
	return cmd
}

func mappingShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <snapshot-id>",
		Short: "Show a mapping snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				snap, err := e.GetSnapshot(ctx, args[0])
				if err != nil {
					return err
				}
				return printSnapshot(snap)
			})
		},
	}
}

func mappingSetCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "set <snapshot-id>",
		Short: "Apply manual overrides to a snapshot that no job has started yet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			overrides, err := mapping.ReadFile(file)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				snap, err := e.UpdateSnapshotMappings(ctx, args[0], viper.GetString("actor-id"), overrides)
				if err != nil {
					return err
				}
				return printSnapshot(snap)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "override file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func printSnapshot(snap domain.MappingSnapshot) error {
	if viper.GetBool("json") {
		return printJSON(snap)
	}
	state := "editable"
	if snap.ActivatedAt != nil {
		state = "active since " + *snap.ActivatedAt
	}
	fmt.Printf("Snapshot %s (%s -> %s, %s)\n", snap.ID, snap.Source, snap.ProjectID, state)
	tw := newTable(table.Row{"Kind", "Source key", "Destination", "Origin"})
	for _, m := range snap.Mappings {
		tw.AppendRow(table.Row{m.Kind, m.SourceKey, m.DestinationKey, m.Origin})
	}
	tw.Render()
	return nil
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage destination projects"}
	var workspaceID, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a project with the default states",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, states, err := e.CreateProject(ctx, workspaceID, name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"project": p, "states": states})
				}
				fmt.Printf("Project %s (%s)\n", p.ID, p.Name)
				tw := newTable(table.Row{"State ID", "Name", "Group"})
				for _, s := range states {
					tw.AppendRow(table.Row{s.ID, s.Name, s.Group})
				}
				tw.Render()
				return nil
			})
		},
	}
	create.Flags().StringVar(&workspaceID, "workspace-id", "", "destination workspace id")
	create.Flags().StringVar(&name, "name", "", "project name")
	_ = create.MarkFlagRequired("workspace-id")
	_ = create.MarkFlagRequired("name")

	var listWorkspace string
	list := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListProjects(ctx, listWorkspace)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	list.Flags().StringVar(&listWorkspace, "workspace-id", "", "workspace filter")

	states := &cobra.Command{
		Use:   "states <project-id>",
		Short: "List a project's states (mapping destinations)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListStates(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	prj.AddCommand(create, list, states)
	return prj
}

func memberCmd() *cobra.Command {
	m := &cobra.Command{Use: "member", Short: "Manage workspace members"}
	var workspaceID, name, email string
	add := &cobra.Command{
		Use:   "add",
		Short: "Register an existing member so user mappings can target it",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				mem, err := e.AddMember(ctx, workspaceID, name, email)
				if err != nil {
					return err
				}
				return printJSONOrTable(mem)
			})
		},
	}
	add.Flags().StringVar(&workspaceID, "workspace-id", "", "workspace id")
	add.Flags().StringVar(&name, "name", "", "display name")
	add.Flags().StringVar(&email, "email", "", "email")
	_ = add.MarkFlagRequired("workspace-id")
	_ = add.MarkFlagRequired("name")
	m.AddCommand(add)
	return m
}

func credentialCmd() *cobra.Command {
	c := &cobra.Command{Use: "credential", Short: "Manage source credentials"}
	var source, token string
	var expiresIn time.Duration
	add := &cobra.Command{
		Use:   "add",
		Short: "Store a source API token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if token == "" {
				token = os.Getenv("WLM_SOURCE_TOKEN")
			}
			if token == "" {
				return fmt.Errorf("--token or WLM_SOURCE_TOKEN required")
			}
			var expires *time.Time
			if expiresIn > 0 {
				t := time.Now().Add(expiresIn)
				expires = &t
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cred, err := e.AddCredential(ctx, domain.SourceType(source), token, expires)
				if err != nil {
					return err
				}
				return printJSONOrTable(cred)
			})
		},
	}
	add.Flags().StringVar(&source, "source", "", "source type")
	add.Flags().StringVar(&token, "token", "", "API token (or WLM_SOURCE_TOKEN)")
	add.Flags().DurationVar(&expiresIn, "expires-in", 0, "token lifetime (0 never expires)")
	_ = add.MarkFlagRequired("source")
	c.AddCommand(add)
	return c
}

func tokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an API bearer token for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := server.SignToken(viper.GetString("jwt-secret"), viper.GetString("actor-id"), ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
