package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func newRootCmd(out io.Writer) *cobra.Command {
	cl := &client{
		BaseURL:   envOr("CLUSTERSTATE_URL", "http://localhost:8080"),
		OutFormat: envOr("CLUSTERSTATE_OUT", "text"),
		Timeout:   35 * time.Second,
		Out:       out,
	}
	var async bool

	root := &cobra.Command{
		Use:           "statectl",
		Short:         "CLI para el cluster state (tasks, lectura de estado, vista del cluster)",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&cl.BaseURL, "url", cl.BaseURL, "URL base de un nodo (env CLUSTERSTATE_URL)")
	root.PersistentFlags().StringVar(&cl.OutFormat, "out", cl.OutFormat, "Formato de salida: json|text")
	root.PersistentFlags().BoolVar(&cl.FollowLeader, "follow-leader", false, "Seguir el redirect al líder en escrituras")
	root.PersistentFlags().DurationVar(&cl.Timeout, "timeout", cl.Timeout, "Timeout por request")

	taskPath := func(kind string) string {
		p := "/v1/tasks/" + url.PathEscape(kind)
		if async {
			p += "?async=1"
		}
		return p
	}

	submitCmd := &cobra.Command{
		Use:   "submit <kind> [json-payload]",
		Short: "Enviar una task de cualquier kind",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var body []byte
			if len(args) == 2 {
				if !json.Valid([]byte(args[1])) {
					return fmt.Errorf("payload is not valid JSON")
				}
				body = []byte(args[1])
			}
			return cl.call("POST", taskPath(args[0]), body)
		},
	}
	submitCmd.Flags().BoolVar(&async, "async", false, "No esperar el outcome (202)")

	putCmd := &cobra.Command{
		Use:   "put <key> <json-value>",
		Short: "Escribir una clave (content.put)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !json.Valid([]byte(args[1])) {
				return fmt.Errorf("value is not valid JSON (strings need quotes: '\"x\"')")
			}
			b, _ := json.Marshal(map[string]any{"key": args[0], "value": json.RawMessage(args[1])})
			return cl.call("POST", taskPath("content.put"), b)
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <key>",
		Short: "Borrar una clave (content.delete)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, _ := json.Marshal(map[string]string{"key": args[0]})
			return cl.call("POST", taskPath("content.delete"), b)
		},
	}

	var recSource, recMessage string
	recordErrCmd := &cobra.Command{
		Use:   "record-error",
		Short: "Registrar un error de un componente (error.record); --message vacío lo limpia",
		RunE: func(cmd *cobra.Command, args []string) error {
			if recSource == "" {
				return fmt.Errorf("--source es requerido")
			}
			b, _ := json.Marshal(map[string]string{"source": recSource, "message": recMessage})
			return cl.call("POST", taskPath("error.record"), b)
		},
	}
	recordErrCmd.Flags().StringVar(&recSource, "source", "", "Componente que reporta")
	recordErrCmd.Flags().StringVar(&recMessage, "message", "", "Mensaje de error")

	var prefix string
	stateCmd := &cobra.Command{
		Use:   "state",
		Short: "Último snapshot autoritativo del nodo",
		RunE: func(cmd *cobra.Command, args []string) error {
			p := "/v1/state"
			if prefix != "" {
				p += "?prefix=" + url.QueryEscape(prefix)
			}
			return cl.call("GET", p, nil)
		},
	}
	stateCmd.Flags().StringVar(&prefix, "prefix", "", "Filtrar claves por prefijo")

	getCmd := &cobra.Command{
		Use:   "get <key>",
		Short: "Valor de una clave",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cl.call("GET", "/v1/state/keys/"+args[0], nil)
		},
	}

	errorsCmd := &cobra.Command{
		Use:   "errors",
		Short: "Errores registrados en el estado",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cl.call("GET", "/v1/state/errors", nil)
		},
	}

	var limit int
	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Últimas promociones del nodo (requiere history habilitado)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cl.call("GET", "/v1/state/history?limit="+strconv.Itoa(limit), nil)
		},
	}
	historyCmd.Flags().IntVar(&limit, "limit", 20, "Cantidad de entradas")

	clusterCmd := &cobra.Command{
		Use:   "cluster",
		Short: "Vista del cluster desde el nodo",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cl.call("GET", "/v1/cluster", nil)
		},
	}
	publicationCmd := &cobra.Command{
		Use:   "publication",
		Short: "Resumen de la última publicación de este nodo",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cl.call("GET", "/v1/cluster/publication", nil)
		},
	}
	clusterCmd.AddCommand(publicationCmd)

	for _, c := range []*cobra.Command{putCmd, deleteCmd, recordErrCmd} {
		c.Flags().BoolVar(&async, "async", false, "No esperar el outcome (202)")
	}

	root.AddCommand(submitCmd, putCmd, deleteCmd, recordErrCmd, stateCmd, getCmd, errorsCmd, historyCmd, clusterCmd)
	return root
}
