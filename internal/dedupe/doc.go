// Package dedupe remembers recently handled event ids so a chat bridge can
// drop redelivered events. Entries expire after a window and the oldest are
// overwritten once capacity is reached.
package dedupe
