package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/davidwarshawsky/mcp-server-jupyter/internal/common/logger"
	"github.com/davidwarshawsky/mcp-server-jupyter/internal/hooks"
	"github.com/davidwarshawsky/mcp-server-jupyter/internal/kernel"
	"github.com/davidwarshawsky/mcp-server-jupyter/internal/session"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"
)

func registerTools(s *server.MCPServer, deps Deps, log *logger.Logger) {
	// Kernel lifecycle tools
	s.AddTool(
		mcp.NewTool("start_kernel",
			mcp.WithDescription("Start a Jupyter kernel for a notebook. Call this before any execution tool; every other tool finds the session by the same path."),
			mcp.WithString("path",
				mcp.Required(),
				mcp.Description("Notebook path (.ipynb). Relative paths resolve against the server working directory"),
			),
			mcp.WithString("environment",
				mcp.Description("Named environment from the kernel registry"),
			),
			mcp.WithString("venv_path",
				mcp.Description("Virtualenv to run the kernel in"),
			),
			mcp.WithString("docker_image",
				mcp.Description("Docker image to run the kernel in"),
			),
			mcp.WithNumber("timeout",
				mcp.Description("Per-execution timeout override in seconds"),
			),
			mcp.WithString("agent_id",
				mcp.Description("Agent identity; gives the kernel a per-agent working directory"),
			),
		),
		startKernelHandler(deps),
	)

	s.AddTool(
		mcp.NewTool("stop_kernel",
			mcp.WithDescription("Stop the notebook's kernel and tear down its session. Safe to call when no kernel is running."),
			mcp.WithString("path",
				mcp.Required(),
				mcp.Description("Notebook path"),
			),
		),
		stopKernelHandler(deps),
	)

	s.AddTool(
		mcp.NewTool("restart_kernel",
			mcp.WithDescription("Replace the notebook's kernel with a fresh process. Interpreter state is lost; in-flight executions fail; the session and its queue survive."),
			mcp.WithString("path",
				mcp.Required(),
				mcp.Description("Notebook path"),
			),
		),
		restartKernelHandler(deps),
	)

	s.AddTool(
		mcp.NewTool("interrupt_kernel",
			mcp.WithDescription("Interrupt the currently running cell, like Ctrl-C. Kernel state is kept."),
			mcp.WithString("path",
				mcp.Required(),
				mcp.Description("Notebook path"),
			),
		),
		interruptKernelHandler(deps),
	)

	s.AddTool(
		mcp.NewTool("kernel_health",
			mcp.WithDescription("Ping the notebook's kernel and report liveness and round-trip latency."),
			mcp.WithString("path",
				mcp.Required(),
				mcp.Description("Notebook path"),
			),
		),
		kernelHealthHandler(deps),
	)

	// Execution tools
	s.AddTool(
		mcp.NewTool("execute_cell_async",
			mcp.WithDescription("Submit code for asynchronous execution. Returns an exec_id immediately; poll get_execution_status for outputs. Cells of one notebook run strictly in submission order."),
			mcp.WithString("path",
				mcp.Required(),
				mcp.Description("Notebook path"),
			),
			mcp.WithNumber("cell_index",
				mcp.Required(),
				mcp.Description("Index of the cell this code belongs to; outputs are written back there"),
			),
			mcp.WithString("code",
				mcp.Required(),
				mcp.Description("Python source to execute"),
			),
			mcp.WithString("exec_id",
				mcp.Description("Client-chosen execution id; resubmitting a known id is a no-op"),
			),
		),
		executeCellAsyncHandler(deps),
	)

	s.AddTool(
		mcp.NewTool("get_execution_status",
			mcp.WithDescription("Get the current status and outputs of an execution. Pure read; never blocks on the kernel."),
			mcp.WithString("path",
				mcp.Required(),
				mcp.Description("Notebook path"),
			),
			mcp.WithString("exec_id",
				mcp.Required(),
				mcp.Description("Execution id returned by execute_cell_async"),
			),
		),
		getExecutionStatusHandler(deps),
	)

	s.AddTool(
		mcp.NewTool("cancel_execution",
			mcp.WithDescription("Cancel an execution. Queued work is removed without touching the kernel; running work is interrupted and this call may block up to the grace period."),
			mcp.WithString("path",
				mcp.Required(),
				mcp.Description("Notebook path"),
			),
			mcp.WithString("exec_id",
				mcp.Required(),
				mcp.Description("Execution id to cancel"),
			),
		),
		cancelExecutionHandler(deps),
	)

	s.AddTool(
		mcp.NewTool("submit_input",
			mcp.WithDescription("Answer a kernel blocked on input(). Use after get_execution_status reports an input request."),
			mcp.WithString("path",
				mcp.Required(),
				mcp.Description("Notebook path"),
			),
			mcp.WithString("text",
				mcp.Required(),
				mcp.Description("Text to send as the input() result"),
			),
		),
		submitInputHandler(deps),
	)

	s.AddTool(
		mcp.NewTool("set_stop_on_error",
			mcp.WithDescription("Toggle whether a failed execution drains the rest of the session's queue."),
			mcp.WithString("path",
				mcp.Required(),
				mcp.Description("Notebook path"),
			),
			mcp.WithBoolean("enabled",
				mcp.Description("Drain queued executions after a failure"),
				mcp.DefaultBool(true),
			),
		),
		setStopOnErrorHandler(deps),
	)

	s.AddTool(
		mcp.NewTool("is_kernel_busy",
			mcp.WithDescription("Check whether the notebook's kernel is executing or has queued work."),
			mcp.WithString("path",
				mcp.Required(),
				mcp.Description("Notebook path"),
			),
		),
		isKernelBusyHandler(deps),
	)

	s.AddTool(
		mcp.NewTool("list_sessions",
			mcp.WithDescription("List every live kernel session with queue depth and busy state."),
		),
		listSessionsHandler(deps),
	)

	// Notebook file tools
	s.AddTool(
		mcp.NewTool("create_notebook",
			mcp.WithDescription("Create a new empty notebook file. Fails if the file already exists."),
			mcp.WithString("path",
				mcp.Required(),
				mcp.Description("Notebook path (.ipynb) to create"),
			),
		),
		createNotebookHandler(deps),
	)

	s.AddTool(
		mcp.NewTool("add_cell",
			mcp.WithDescription("Add a cell to a notebook. Returns the index of the new cell."),
			mcp.WithString("path",
				mcp.Required(),
				mcp.Description("Notebook path"),
			),
			mcp.WithString("cell_type",
				mcp.Description("Cell type"),
				mcp.Enum("code", "markdown", "raw"),
				mcp.DefaultString("code"),
			),
			mcp.WithString("source",
				mcp.Required(),
				mcp.Description("Cell source text"),
			),
			mcp.WithNumber("position",
				mcp.Description("Insert position; omit to append"),
			),
		),
		addCellHandler(deps),
	)

	s.AddTool(
		mcp.NewTool("edit_cell",
			mcp.WithDescription("Replace the source of an existing cell. Old outputs stay until the cell is re-executed."),
			mcp.WithString("path",
				mcp.Required(),
				mcp.Description("Notebook path"),
			),
			mcp.WithNumber("cell_index",
				mcp.Required(),
				mcp.Description("Index of the cell to edit"),
			),
			mcp.WithString("source",
				mcp.Required(),
				mcp.Description("New cell source text"),
			),
		),
		editCellHandler(deps),
	)

	s.AddTool(
		mcp.NewTool("delete_cell",
			mcp.WithDescription("Remove a cell from a notebook. Later cells shift down by one."),
			mcp.WithString("path",
				mcp.Required(),
				mcp.Description("Notebook path"),
			),
			mcp.WithNumber("cell_index",
				mcp.Required(),
				mcp.Description("Index of the cell to remove"),
			),
		),
		deleteCellHandler(deps),
	)

	s.AddTool(
		mcp.NewTool("read_notebook",
			mcp.WithDescription("Read a notebook's cells: index, type, source, execution count, and output count per cell."),
			mcp.WithString("path",
				mcp.Required(),
				mcp.Description("Notebook path"),
			),
		),
		readNotebookHandler(deps),
	)

	log.Info("registered MCP tools", zap.Int("count", 17))
}

// toolError renders an operation failure for the MCP client. Capacity
// conditions carry an explicit retry hint so agents back off instead of
// treating them as permanent.
func toolError(err error) *mcp.CallToolResult {
	if errors.Is(err, session.ErrQueueFull) || errors.Is(err, kernel.ErrCapacity) {
		return mcp.NewToolResultError(fmt.Sprintf("%v; retry in a few seconds", err))
	}
	return mcp.NewToolResultError(err.Error())
}

func jsonResult(v interface{}) *mcp.CallToolResult {
	formatted, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode result: %v", err))
	}
	return mcp.NewToolResultText(string(formatted))
}

func startKernelHandler(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		path, err := req.RequireString("path")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		opts := session.StartOptions{
			Environment: req.GetString("environment", ""),
			VenvPath:    req.GetString("venv_path", ""),
			DockerImage: req.GetString("docker_image", ""),
			AgentID:     req.GetString("agent_id", ""),
		}
		if secs := req.GetInt("timeout", 0); secs > 0 {
			opts.Timeout = time.Duration(secs) * time.Second
		}

		op := &hooks.OpInfo{Tool: "start_kernel", NotebookPath: path, AgentID: opts.AgentID}
		var status string
		err = deps.Hooks.Run(ctx, op, func(ctx context.Context) error {
			var opErr error
			status, opErr = deps.Sessions.StartKernel(ctx, path, opts)
			return opErr
		})
		if err != nil {
			return toolError(err), nil
		}
		return mcp.NewToolResultText(status), nil
	}
}

func stopKernelHandler(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		path, err := req.RequireString("path")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		op := &hooks.OpInfo{Tool: "stop_kernel", NotebookPath: path}
		var status string
		err = deps.Hooks.Run(ctx, op, func(ctx context.Context) error {
			var opErr error
			status, opErr = deps.Sessions.StopKernel(ctx, path)
			return opErr
		})
		if err != nil {
			return toolError(err), nil
		}
		return mcp.NewToolResultText(status), nil
	}
}

func restartKernelHandler(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		path, err := req.RequireString("path")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		op := &hooks.OpInfo{Tool: "restart_kernel", NotebookPath: path}
		var status string
		err = deps.Hooks.Run(ctx, op, func(ctx context.Context) error {
			var opErr error
			status, opErr = deps.Sessions.RestartKernel(ctx, path)
			return opErr
		})
		if err != nil {
			return toolError(err), nil
		}
		return mcp.NewToolResultText(status), nil
	}
}

func interruptKernelHandler(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		path, err := req.RequireString("path")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		op := &hooks.OpInfo{Tool: "interrupt_kernel", NotebookPath: path}
		var status string
		err = deps.Hooks.Run(ctx, op, func(ctx context.Context) error {
			var opErr error
			status, opErr = deps.Sessions.InterruptKernel(ctx, path)
			return opErr
		})
		if err != nil {
			return toolError(err), nil
		}
		return mcp.NewToolResultText(status), nil
	}
}

func kernelHealthHandler(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		path, err := req.RequireString("path")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		op := &hooks.OpInfo{Tool: "kernel_health", NotebookPath: path, ReadOnly: true}
		var health kernel.HealthStatus
		err = deps.Hooks.Run(ctx, op, func(ctx context.Context) error {
			var opErr error
			health, opErr = deps.Sessions.KernelHealth(ctx, path)
			return opErr
		})
		if err != nil {
			return toolError(err), nil
		}
		return jsonResult(health), nil
	}
}

func executeCellAsyncHandler(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		path, err := req.RequireString("path")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		cellIndex, err := req.RequireInt("cell_index")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		code, err := req.RequireString("code")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		op := &hooks.OpInfo{Tool: "execute_cell_async", NotebookPath: path}
		var execID string
		err = deps.Hooks.Run(ctx, op, func(ctx context.Context) error {
			var opErr error
			execID, opErr = deps.Sessions.ExecuteCellAsync(ctx, path, cellIndex, code, req.GetString("exec_id", ""))
			return opErr
		})
		if err != nil {
			return toolError(err), nil
		}
		return mcp.NewToolResultText(execID), nil
	}
}

func getExecutionStatusHandler(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		path, err := req.RequireString("path")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		execID, err := req.RequireString("exec_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		op := &hooks.OpInfo{Tool: "get_execution_status", NotebookPath: path, ReadOnly: true}
		var status *session.ExecutionStatus
		err = deps.Hooks.Run(ctx, op, func(ctx context.Context) error {
			var opErr error
			status, opErr = deps.Sessions.GetExecutionStatus(path, execID)
			return opErr
		})
		if err != nil {
			return toolError(err), nil
		}
		return jsonResult(status), nil
	}
}

func cancelExecutionHandler(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		path, err := req.RequireString("path")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		execID, err := req.RequireString("exec_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		op := &hooks.OpInfo{Tool: "cancel_execution", NotebookPath: path}
		var result *session.CancelResult
		err = deps.Hooks.Run(ctx, op, func(ctx context.Context) error {
			var opErr error
			result, opErr = deps.Sessions.CancelExecution(ctx, path, execID)
			return opErr
		})
		if err != nil {
			return toolError(err), nil
		}
		return jsonResult(result), nil
	}
}

func submitInputHandler(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		path, err := req.RequireString("path")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		text, err := req.RequireString("text")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		op := &hooks.OpInfo{Tool: "submit_input", NotebookPath: path}
		err = deps.Hooks.Run(ctx, op, func(ctx context.Context) error {
			return deps.Sessions.SubmitInput(ctx, path, text)
		})
		if err != nil {
			return toolError(err), nil
		}
		return mcp.NewToolResultText("input forwarded to kernel"), nil
	}
}

func setStopOnErrorHandler(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		path, err := req.RequireString("path")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		enabled := req.GetBool("enabled", true)

		op := &hooks.OpInfo{Tool: "set_stop_on_error", NotebookPath: path}
		err = deps.Hooks.Run(ctx, op, func(ctx context.Context) error {
			return deps.Sessions.SetStopOnError(path, enabled)
		})
		if err != nil {
			return toolError(err), nil
		}
		if enabled {
			return mcp.NewToolResultText("stop_on_error enabled"), nil
		}
		return mcp.NewToolResultText("stop_on_error disabled"), nil
	}
}

func isKernelBusyHandler(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		path, err := req.RequireString("path")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		op := &hooks.OpInfo{Tool: "is_kernel_busy", NotebookPath: path, ReadOnly: true}
		var busy bool
		err = deps.Hooks.Run(ctx, op, func(ctx context.Context) error {
			var opErr error
			busy, opErr = deps.Sessions.IsKernelBusy(path)
			return opErr
		})
		if err != nil {
			return toolError(err), nil
		}
		return jsonResult(map[string]bool{"busy": busy}), nil
	}
}

func listSessionsHandler(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		op := &hooks.OpInfo{Tool: "list_sessions", ReadOnly: true}
		var infos []session.SessionInfo
		err := deps.Hooks.Run(ctx, op, func(ctx context.Context) error {
			infos = deps.Sessions.ListSessions()
			return nil
		})
		if err != nil {
			return toolError(err), nil
		}
		return jsonResult(infos), nil
	}
}

func createNotebookHandler(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		path, err := req.RequireString("path")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		op := &hooks.OpInfo{Tool: "create_notebook", NotebookPath: path}
		err = deps.Hooks.Run(ctx, op, func(ctx context.Context) error {
			return deps.Notebooks.CreateNotebook(path)
		})
		if err != nil {
			return toolError(err), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Created notebook %s", path)), nil
	}
}

func addCellHandler(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		path, err := req.RequireString("path")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		source, err := req.RequireString("source")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		cellType := req.GetString("cell_type", "code")
		position := req.GetInt("position", -1)

		op := &hooks.OpInfo{Tool: "add_cell", NotebookPath: path}
		var index int
		err = deps.Hooks.Run(ctx, op, func(ctx context.Context) error {
			var opErr error
			index, opErr = deps.Notebooks.AddCell(path, cellType, source, position)
			return opErr
		})
		if err != nil {
			return toolError(err), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Added %s cell at index %d", cellType, index)), nil
	}
}

func editCellHandler(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		path, err := req.RequireString("path")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		cellIndex, err := req.RequireInt("cell_index")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		source, err := req.RequireString("source")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		op := &hooks.OpInfo{Tool: "edit_cell", NotebookPath: path}
		err = deps.Hooks.Run(ctx, op, func(ctx context.Context) error {
			return deps.Notebooks.EditCell(path, cellIndex, source)
		})
		if err != nil {
			return toolError(err), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Replaced source of cell %d", cellIndex)), nil
	}
}

func deleteCellHandler(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		path, err := req.RequireString("path")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		cellIndex, err := req.RequireInt("cell_index")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		op := &hooks.OpInfo{Tool: "delete_cell", NotebookPath: path}
		err = deps.Hooks.Run(ctx, op, func(ctx context.Context) error {
			return deps.Notebooks.DeleteCell(path, cellIndex)
		})
		if err != nil {
			return toolError(err), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Deleted cell %d", cellIndex)), nil
	}
}

// cellView is the per-cell shape read_notebook returns. Output bodies
// stay out of it; get_execution_status is the channel for those.
type cellView struct {
	Index          int    `json:"index"`
	CellType       string `json:"cell_type"`
	Source         string `json:"source"`
	ExecutionCount *int   `json:"execution_count,omitempty"`
	OutputCount    int    `json:"output_count,omitempty"`
}

type notebookView struct {
	Path  string     `json:"path"`
	Cells []cellView `json:"cells"`
}

func readNotebookHandler(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		path, err := req.RequireString("path")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		op := &hooks.OpInfo{Tool: "read_notebook", NotebookPath: path, ReadOnly: true}
		var view notebookView
		err = deps.Hooks.Run(ctx, op, func(ctx context.Context) error {
			nb, opErr := deps.Notebooks.ReadNotebook(path)
			if opErr != nil {
				return opErr
			}
			view = notebookView{Path: path, Cells: make([]cellView, len(nb.Cells))}
			for i, c := range nb.Cells {
				view.Cells[i] = cellView{
					Index:          i,
					CellType:       c.CellType,
					Source:         string(c.Source),
					ExecutionCount: c.ExecutionCount,
					OutputCount:    len(c.Outputs),
				}
			}
			return nil
		})
		if err != nil {
			return toolError(err), nil
		}
		return jsonResult(view), nil
	}
}
