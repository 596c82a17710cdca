package main

// Backend blank imports — each import activates a self-registering agent
// backend. Add new backends here as they are implemented.

import (
	_ "github.com/Strob0t/AgentBridge/internal/adapter/scripted"
)
