/*
Keeper runs the execution and reconciliation loop of the funding-rate arbitrage keeper.

# Module
  - rate limiter: shared per-exchange request budget, priority ordered
  - order registry: one live maker order per exchange, symbol and side
  - repricer: keeps resting legs at the best competitive price, reconciles on failure
  - fill monitor: consumes fill pushes and clears filled legs
  - position manager: close-all, single-leg close, asymmetric fill resolution
  - balance manager: idle fund distribution, rebalancing for an opportunity

# Source
 1. book and fill pushes from every venue
 2. sweep timer, paced by the worst budget health
 3. opportunities handed in by the caller

# Produce
  - maker orders and their reprices
  - close, completion and unwind market orders
  - transfers between the wallet and the venues
*/
package keeper
