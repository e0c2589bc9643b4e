// Package common holds the pieces shared by the command line tools: the node
// configuration and the log sink all components write to.
package common
