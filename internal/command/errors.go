package command

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/adamavenir/threadline/internal/api"
	"github.com/spf13/cobra"
)

func writeCommandError(cmd *cobra.Command, err error) error {
	fmt.Fprintf(cmd.ErrOrStderr(), "Error: %s\n", err.Error())

	if isAuthError(err) {
		fmt.Fprintln(cmd.ErrOrStderr(), "Hint: the server rejected the token. Set THREADLINE_TOKEN or token in the config file.")
	}

	return err
}

func isAuthError(err error) bool {
	var apiErr *api.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Status == http.StatusUnauthorized || apiErr.Status == http.StatusForbidden
}
