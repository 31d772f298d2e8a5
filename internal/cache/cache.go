package cache

const (
	UpdatesChannel = "batch:updates"
	currentRunKey  = "batch:current"
)
