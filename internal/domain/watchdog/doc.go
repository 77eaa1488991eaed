/*
Package watchdog monitors per-extension resource budgets.

Each registered extension carries a memory limit, a CPU timeout for a single
bracketed operation and a check interval. Scan evaluates every entry that is
due and emits one violation per matching condition:

  - memory_exceeded: reported memory above the limit
  - cpu_timeout: a bracketed operation has run longer than the timeout
  - unresponsive: a running operation has seen no activity for 30s

Violations repeat on every scan while the condition holds. The watchdog only
reports; whoever subscribes with OnViolation decides what to kill.
*/
package watchdog
