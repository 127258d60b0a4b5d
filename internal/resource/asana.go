package resource

import (
	"encoding/json"
	"net/url"
	"strings"
)

// Kind names of the default Asana graph.
const (
	Workspaces            = "workspaces"
	Users                 = "users"
	UsersDetails          = "users_details"
	Projects              = "projects"
	ArchivedProjects      = "archived_projects"
	ProjectsDetails       = "projects_details"
	UserDefinedProjects   = "user_defined_projects"
	ProjectsSections      = "projects_sections"
	ProjectsSectionsTasks = "projects_sections_tasks"
	ProjectsTasks         = "projects_tasks"
	ProjectsTasksDetails  = "projects_tasks_details"
	ProjectsTasksSubtasks = "projects_tasks_subtasks"
	ProjectsTasksStories  = "projects_tasks_stories"
)

// AsanaKinds returns the resource table for the Asana REST API.
func AsanaKinds() []Kind {
	return []Kind{
		{Name: Workspaces, Mapping: "workspaces", URL: static("workspaces")},
		{Name: Users, Parent: Workspaces, Mapping: "users", URL: under("workspaces", "users")},
		{Name: Projects, Parent: Workspaces, Mapping: "projects", URL: workspaceProjects(false)},
		{Name: ArchivedProjects, Parent: Workspaces, Mapping: "projects", URL: workspaceProjects(true)},
		{Name: UsersDetails, Parent: Users, Mapping: "users_details", URL: under("users", "")},
		{Name: ProjectsDetails, Parent: Projects, Mapping: "projects_details", URL: under("projects", "")},
		{
			Name:       UserDefinedProjects,
			Parent:     Projects,
			Mapping:    "projects_details",
			URL:        under("projects", ""),
			Supersedes: []string{Projects},
		},
		{Name: ProjectsSections, Parent: Projects, Mapping: "sections", URL: under("projects", "sections")},
		{
			Name:           ProjectsTasks,
			Parent:         Projects,
			Mapping:        "tasks",
			URL:            projectTasks,
			CompletedSince: true,
			Annotate:       forbidEmptySubtasks,
		},
		{Name: ProjectsSectionsTasks, Parent: ProjectsSections, Mapping: "section_tasks", URL: under("sections", "tasks")},
		{Name: ProjectsTasksDetails, Parent: ProjectsTasks, Mapping: "task_details", URL: under("tasks", "")},
		{Name: ProjectsTasksSubtasks, Parent: ProjectsTasks, Mapping: "task_subtasks", URL: under("tasks", "subtasks")},
		{Name: ProjectsTasksStories, Parent: ProjectsTasks, Mapping: "task_stories", URL: under("tasks", "stories")},
	}
}

// AsanaGraph builds and validates the default graph.
func AsanaGraph() (*Graph, error) {
	return NewGraph(AsanaKinds()...)
}

func static(path string) func(string) Endpoint {
	return func(string) Endpoint {
		return Endpoint{Path: path, Query: url.Values{}}
	}
}

// under builds "<collection>/<gid>[/<sub>]".
func under(collection, sub string) func(string) Endpoint {
	return func(gid string) Endpoint {
		p := collection + "/" + url.PathEscape(gid)
		if sub != "" {
			p += "/" + sub
		}
		return Endpoint{Path: p, Query: url.Values{}}
	}
}

func workspaceProjects(archived bool) func(string) Endpoint {
	return func(gid string) Endpoint {
		q := url.Values{}
		if archived {
			q.Set("archived", "true")
		} else {
			q.Set("archived", "false")
		}
		return Endpoint{Path: "workspaces/" + url.PathEscape(gid) + "/projects", Query: q}
	}
}

// projectTasks asks for num_subtasks so forbidEmptySubtasks has something to
// inspect.
func projectTasks(gid string) Endpoint {
	q := url.Values{}
	q.Set("opt_fields", "gid,name,resource_type,resource_subtype,num_subtasks")
	return Endpoint{Path: "projects/" + url.PathEscape(gid) + "/tasks", Query: q}
}

// forbidEmptySubtasks skips the subtasks request for tasks that report none.
func forbidEmptySubtasks(rec map[string]any) []string {
	switch n := rec["num_subtasks"].(type) {
	case json.Number:
		if n.String() == "0" {
			return []string{ProjectsTasksSubtasks}
		}
	case float64:
		if n == 0 {
			return []string{ProjectsTasksSubtasks}
		}
	}
	return nil
}

// ParseIDList splits a comma-delimited id list, dropping whitespace and empty
// entries.
func ParseIDList(s string) []string {
	s = strings.Join(strings.Fields(s), "")
	if s == "" {
		return nil
	}
	var out []string
	for _, id := range strings.Split(s, ",") {
		if id != "" {
			out = append(out, id)
		}
	}
	return out
}
